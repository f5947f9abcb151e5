package mtp

// Constructor tags for the update variants known to this client build.
const (
	TypeUpdateNewMessage          uint32 = 0x1f2b0afd
	TypeUpdateDeleteMessages      uint32 = 0xa20db0e5
	TypeUpdateReadHistory         uint32 = 0x9c974fdf
	TypeUpdateNewEncryptedMessage uint32 = 0x12bcbd9a
	TypeUpdateUserStatus          uint32 = 0xe5bdf8de
	TypeUpdateUserTyping          uint32 = 0xc01e857f
	TypeUpdateDialogPinned        uint32 = 0x6e6fe51c
	TypeUpdateNewAuthorization    uint32 = 0x8951abef
	TypeUpdateConfig              uint32 = 0xa229dd06
	TypeUpdateNotifySettings      uint32 = 0xbec268ef
	TypeUpdatePtsChanged          uint32 = 0x3354678f
)

// Message is a decoded common message.
type Message struct {
	ID     int
	FromID int64
	PeerID int64
	Date   int
	Text   string
	Out    bool
}

// EncryptedMessage is a still-encrypted secret chat message. Decryption is
// the secret chat manager's job, not the engine's.
type EncryptedMessage struct {
	ChatID int64
	Date   int
	Bytes  []byte
}

// UserStatus says whether a user is online.
type UserStatus int

const (
	UserStatusEmpty UserStatus = iota
	UserStatusOnline
	UserStatusOffline
	UserStatusRecently
)

// NotifySettings are per-peer notification settings.
type NotifySettings struct {
	Muted     bool
	MuteUntil int
	Sound     string
}

// UpdateNewMessage is a new message in a common chat. Advances pts.
type UpdateNewMessage struct {
	Message  Message
	Pts      int
	PtsCount int
}

// UpdateDeleteMessages reports deleted message IDs. Advances pts.
type UpdateDeleteMessages struct {
	IDs      []int
	Pts      int
	PtsCount int
}

// UpdateReadHistory moves the read horizon of a peer. Advances pts.
type UpdateReadHistory struct {
	PeerID   int64
	MaxID    int
	Pts      int
	PtsCount int
}

// UpdateNewEncryptedMessage is a new secret chat message. Advances qts.
type UpdateNewEncryptedMessage struct {
	Message EncryptedMessage
	Qts     int
}

// UpdateUserStatus is a presence change. Not sequenced.
type UpdateUserStatus struct {
	UserID int64
	Status UserStatus
}

// UpdateUserTyping is a typing notification. Not sequenced.
type UpdateUserTyping struct {
	UserID int64
	ChatID int64
}

// UpdateDialogPinned toggles the pinned flag of a dialog. Not sequenced.
type UpdateDialogPinned struct {
	PeerID int64
	Pinned bool
}

// UpdateNewAuthorization reports a new session authorized on the account.
// Not sequenced.
type UpdateNewAuthorization struct {
	AuthKeyID int64
	Date      int
	Device    string
	Location  string
}

// UpdateConfig tells the client to re-fetch server configuration.
// Not sequenced.
type UpdateConfig struct{}

// UpdateNotifySettings is a notification settings change. Not sequenced.
type UpdateNotifySettings struct {
	PeerID   int64
	Settings NotifySettings
}

// UpdatePtsChanged tells the client its pts is no longer valid and a
// difference must be fetched. Carries no payload.
type UpdatePtsChanged struct{}

// UpdateUnknown is an update whose constructor tag this build does not
// recognize. The raw payload is kept for diagnostics.
type UpdateUnknown struct {
	Constructor uint32
	Raw         []byte
}

func (*UpdateNewMessage) TypeID() uint32          { return TypeUpdateNewMessage }
func (*UpdateDeleteMessages) TypeID() uint32      { return TypeUpdateDeleteMessages }
func (*UpdateReadHistory) TypeID() uint32         { return TypeUpdateReadHistory }
func (*UpdateNewEncryptedMessage) TypeID() uint32 { return TypeUpdateNewEncryptedMessage }
func (*UpdateUserStatus) TypeID() uint32          { return TypeUpdateUserStatus }
func (*UpdateUserTyping) TypeID() uint32          { return TypeUpdateUserTyping }
func (*UpdateDialogPinned) TypeID() uint32        { return TypeUpdateDialogPinned }
func (*UpdateNewAuthorization) TypeID() uint32    { return TypeUpdateNewAuthorization }
func (*UpdateConfig) TypeID() uint32              { return TypeUpdateConfig }
func (*UpdateNotifySettings) TypeID() uint32      { return TypeUpdateNotifySettings }
func (*UpdatePtsChanged) TypeID() uint32          { return TypeUpdatePtsChanged }
func (u *UpdateUnknown) TypeID() uint32           { return u.Constructor }

func (*UpdateNewMessage) TypeName() string          { return "updateNewMessage" }
func (*UpdateDeleteMessages) TypeName() string      { return "updateDeleteMessages" }
func (*UpdateReadHistory) TypeName() string         { return "updateReadHistory" }
func (*UpdateNewEncryptedMessage) TypeName() string { return "updateNewEncryptedMessage" }
func (*UpdateUserStatus) TypeName() string          { return "updateUserStatus" }
func (*UpdateUserTyping) TypeName() string          { return "updateUserTyping" }
func (*UpdateDialogPinned) TypeName() string        { return "updateDialogPinned" }
func (*UpdateNewAuthorization) TypeName() string    { return "updateNewAuthorization" }
func (*UpdateConfig) TypeName() string              { return "updateConfig" }
func (*UpdateNotifySettings) TypeName() string      { return "updateNotifySettings" }
func (*UpdatePtsChanged) TypeName() string          { return "updatePtsChanged" }
func (*UpdateUnknown) TypeName() string             { return "updateUnknown" }

// IsPtsUpdate reports whether u advances the common counter, returning its
// pts and pts_count if so.
func IsPtsUpdate(u Update) (pts, ptsCount int, ok bool) {
	switch u := u.(type) {
	case *UpdateNewMessage:
		return u.Pts, u.PtsCount, true
	case *UpdateDeleteMessages:
		return u.Pts, u.PtsCount, true
	case *UpdateReadHistory:
		return u.Pts, u.PtsCount, true
	}
	return 0, 0, false
}

// IsQtsUpdate reports whether u advances the secret chat counter, returning
// its qts if so.
func IsQtsUpdate(u Update) (qts int, ok bool) {
	if u, isQts := u.(*UpdateNewEncryptedMessage); isQts {
		return u.Qts, true
	}
	return 0, false
}
