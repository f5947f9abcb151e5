package updates

import (
	"context"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/QRpeachKZ/mtsync/pkg/mtp"
)

// Consumer interfaces. Handlers are expected to be idempotent and
// non-blocking from the engine's point of view: re-delivery of an already
// applied update must be a no-op, and slow work belongs on the consumer's
// own queue.

// MessageStore receives message-level updates.
type MessageStore interface {
	NewMessage(ctx context.Context, msg mtp.Message) error
	NewEncryptedMessage(ctx context.Context, msg mtp.EncryptedMessage) error
	DeleteMessages(ctx context.Context, ids []int) error
	ReadHistory(ctx context.Context, peerID int64, maxID int) error
}

// UserCache receives user entities and presence changes.
type UserCache interface {
	StoreUsers(ctx context.Context, users []mtp.User) error
	UserStatus(ctx context.Context, userID int64, status mtp.UserStatus) error
}

// ChatCache receives chat entities and typing notifications.
type ChatCache interface {
	StoreChats(ctx context.Context, chats []mtp.Chat) error
	Typing(ctx context.Context, chatID, userID int64) error
}

// DialogCache receives dialog-level updates.
type DialogCache interface {
	DialogPinned(ctx context.Context, peerID int64, pinned bool) error
}

// AuthManager receives authorization updates.
type AuthManager interface {
	NewAuthorization(ctx context.Context, auth mtp.UpdateNewAuthorization) error
}

// ConfigManager is notified when server configuration must be re-fetched.
type ConfigManager interface {
	ConfigChanged(ctx context.Context) error
}

// NotifyManager receives notification settings changes.
type NotifyManager interface {
	NotifySettings(ctx context.Context, peerID int64, settings mtp.NotifySettings) error
}

// Router dispatches routed updates to their owning consumer. Any consumer
// may be nil, in which case its updates are dropped with a debug log.
type Router struct {
	Messages MessageStore
	Users    UserCache
	Chats    ChatCache
	Dialogs  DialogCache
	Auth     AuthManager
	Config   ConfigManager
	Notify   NotifyManager

	log *zap.Logger
}

// Apply stores the entity bag and routes every update in order.
func (r *Router) Apply(ctx context.Context, upds []mtp.Update, ents mtp.Entities) error {
	if r.Users != nil && len(ents.Users) > 0 {
		if err := r.Users.StoreUsers(ctx, ents.Users); err != nil {
			return errors.Wrap(err, "store users")
		}
	}
	if r.Chats != nil && len(ents.Chats) > 0 {
		if err := r.Chats.StoreChats(ctx, ents.Chats); err != nil {
			return errors.Wrap(err, "store chats")
		}
	}
	for _, u := range upds {
		if err := r.route(ctx, u); err != nil {
			return errors.Wrapf(err, "route %s", u.TypeName())
		}
	}
	return nil
}

func (r *Router) route(ctx context.Context, u mtp.Update) error {
	switch u := u.(type) {
	case *mtp.UpdateNewMessage:
		if r.Messages == nil {
			break
		}
		return r.Messages.NewMessage(ctx, u.Message)
	case *mtp.UpdateNewEncryptedMessage:
		if r.Messages == nil {
			break
		}
		return r.Messages.NewEncryptedMessage(ctx, u.Message)
	case *mtp.UpdateDeleteMessages:
		if r.Messages == nil {
			break
		}
		return r.Messages.DeleteMessages(ctx, u.IDs)
	case *mtp.UpdateReadHistory:
		if r.Messages == nil {
			break
		}
		return r.Messages.ReadHistory(ctx, u.PeerID, u.MaxID)
	case *mtp.UpdateUserStatus:
		if r.Users == nil {
			break
		}
		return r.Users.UserStatus(ctx, u.UserID, u.Status)
	case *mtp.UpdateUserTyping:
		if r.Chats == nil {
			break
		}
		return r.Chats.Typing(ctx, u.ChatID, u.UserID)
	case *mtp.UpdateDialogPinned:
		if r.Dialogs == nil {
			break
		}
		return r.Dialogs.DialogPinned(ctx, u.PeerID, u.Pinned)
	case *mtp.UpdateNewAuthorization:
		if r.Auth == nil {
			break
		}
		return r.Auth.NewAuthorization(ctx, *u)
	case *mtp.UpdateConfig:
		if r.Config == nil {
			break
		}
		return r.Config.ConfigChanged(ctx)
	case *mtp.UpdateNotifySettings:
		if r.Notify == nil {
			break
		}
		return r.Notify.NotifySettings(ctx, u.PeerID, u.Settings)
	case *mtp.UpdatePtsChanged:
		// Handled at the batch level, nothing to route.
		return nil
	case *mtp.UpdateUnknown:
		// Forward compatibility: the server introduced an update kind this
		// build does not know. Never an error.
		r.log.Info("Ignoring unknown update",
			zap.Uint32("constructor", u.Constructor),
			zap.Int("size", len(u.Raw)),
		)
		return nil
	default:
		r.log.Info("Ignoring unhandled update", zap.String("update_type", u.TypeName()))
		return nil
	}

	r.log.Debug("No consumer for update, dropped", zap.String("update_type", u.TypeName()))
	return nil
}
