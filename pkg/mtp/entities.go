package mtp

// User is a minimal decoded user entity carried alongside updates.
type User struct {
	ID         int64
	AccessHash int64
	Username   string
	Min        bool
}

// Chat is a minimal decoded chat entity carried alongside updates.
type Chat struct {
	ID         int64
	AccessHash int64
	Title      string
	Min        bool
}

// Entities is the bag of users and chats referenced by a set of updates.
type Entities struct {
	Users []User
	Chats []Chat
}

// Merge appends the other bag's entities, dropping IDs already present.
// Non-min entities win over min ones.
func (e *Entities) Merge(other Entities) {
	users := make(map[int64]int, len(e.Users))
	for i, u := range e.Users {
		users[u.ID] = i
	}
	for _, u := range other.Users {
		if i, ok := users[u.ID]; ok {
			if e.Users[i].Min && !u.Min {
				e.Users[i] = u
			}
			continue
		}
		users[u.ID] = len(e.Users)
		e.Users = append(e.Users, u)
	}

	chats := make(map[int64]int, len(e.Chats))
	for i, c := range e.Chats {
		chats[c.ID] = i
	}
	for _, c := range other.Chats {
		if i, ok := chats[c.ID]; ok {
			if e.Chats[i].Min && !c.Min {
				e.Chats[i] = c
			}
			continue
		}
		chats[c.ID] = len(e.Chats)
		e.Chats = append(e.Chats, c)
	}
}
