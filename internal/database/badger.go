package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"coderoom/internal/models"
	"coderoom/pkg/logger"
)

const (
	userPrefix      = "user:"
	userEmailPrefix = "user_email:"
	roomPrefix      = "room:"
	invitePrefix    = "invite:"
	kickPrefix      = "kick:"
	reportPrefix    = "report:"
)

// BadgerDB is the embedded store. Values are JSON documents keyed by
// prefix; secondary indexes hold the primary id.
type BadgerDB struct {
	db *badger.DB
}

// userRecord keeps the password hash, which models.User hides from JSON.
type userRecord struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	DisplayName  string    `json:"display_name"`
	PasswordHash string    `json:"password_hash"`
	CreatedAt    time.Time `json:"created_at"`
}

func NewBadgerDB(path string) (*BadgerDB, error) {
	return openBadger(badger.DefaultOptions(path))
}

// NewInMemoryBadgerDB opens a store that lives only as long as the process.
func NewInMemoryBadgerDB() (*BadgerDB, error) {
	return openBadger(badger.DefaultOptions("").WithInMemory(true))
}

func openBadger(opts badger.Options) (*BadgerDB, error) {
	db, err := badger.Open(opts.WithLoggingLevel(badger.ERROR))
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	logger.Info("Opened badger store (in-memory: %t)", opts.InMemory)
	return &BadgerDB{db: db}, nil
}

func (b *BadgerDB) Close() error {
	return b.db.Close()
}

func getJSON(txn *badger.Txn, key string, v any) error {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func getString(txn *badger.Txn, key string) (string, error) {
	var out string
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	err = item.Value(func(val []byte) error {
		out = string(val)
		return nil
	})
	return out, err
}

func exists(txn *badger.Txn, key string) (bool, error) {
	_, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

func setJSON(txn *badger.Txn, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal failed: %w", err)
	}
	return txn.Set([]byte(key), data)
}

// User Repository Implementation
func (b *BadgerDB) CreateUser(_ context.Context, user *models.User) error {
	emailKey := userEmailPrefix + strings.ToLower(user.Email)
	return b.db.Update(func(txn *badger.Txn) error {
		taken, err := exists(txn, emailKey)
		if err != nil {
			return err
		}
		if taken {
			return ErrDuplicate
		}
		rec := userRecord{
			ID:           user.ID,
			Email:        user.Email,
			DisplayName:  user.DisplayName,
			PasswordHash: user.PasswordHash,
			CreatedAt:    user.CreatedAt,
		}
		if err := setJSON(txn, userPrefix+user.ID, rec); err != nil {
			return err
		}
		return txn.Set([]byte(emailKey), []byte(user.ID))
	})
}

func (b *BadgerDB) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	var rec userRecord
	err := b.db.View(func(txn *badger.Txn) error {
		id, err := getString(txn, userEmailPrefix+strings.ToLower(email))
		if err != nil {
			return err
		}
		return getJSON(txn, userPrefix+id, &rec)
	})
	if err != nil {
		return nil, err
	}
	return rec.toUser(), nil
}

func (b *BadgerDB) GetUserByID(_ context.Context, id string) (*models.User, error) {
	var rec userRecord
	if err := b.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, userPrefix+id, &rec)
	}); err != nil {
		return nil, err
	}
	return rec.toUser(), nil
}

func (r userRecord) toUser() *models.User {
	return &models.User{
		ID:           r.ID,
		Email:        r.Email,
		DisplayName:  r.DisplayName,
		PasswordHash: r.PasswordHash,
		CreatedAt:    r.CreatedAt,
	}
}

// Room Repository Implementation
func (b *BadgerDB) CreateRoom(_ context.Context, room *models.Room) error {
	return b.db.Update(func(txn *badger.Txn) error {
		taken, err := exists(txn, roomPrefix+room.ID)
		if err != nil {
			return err
		}
		if taken {
			return ErrDuplicate
		}
		if room.InviteCode != "" {
			inviteKey := invitePrefix + room.InviteCode
			if taken, err = exists(txn, inviteKey); err != nil {
				return err
			}
			if taken {
				return fmt.Errorf("invite code: %w", ErrDuplicate)
			}
			if err := txn.Set([]byte(inviteKey), []byte(room.ID)); err != nil {
				return err
			}
		}
		return setJSON(txn, roomPrefix+room.ID, room)
	})
}

func (b *BadgerDB) GetRoomByID(_ context.Context, id string) (*models.Room, error) {
	room := &models.Room{}
	if err := b.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, roomPrefix+id, room)
	}); err != nil {
		return nil, err
	}
	return room, nil
}

func (b *BadgerDB) GetRoomByInviteCode(_ context.Context, code string) (*models.Room, error) {
	room := &models.Room{}
	err := b.db.View(func(txn *badger.Txn) error {
		id, err := getString(txn, invitePrefix+code)
		if err != nil {
			return err
		}
		return getJSON(txn, roomPrefix+id, room)
	})
	if err != nil {
		return nil, err
	}
	return room, nil
}

func (b *BadgerDB) ListPublicRooms(_ context.Context) ([]*models.Room, error) {
	var rooms []*models.Room
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(roomPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			room := &models.Room{}
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, room)
			}); err != nil {
				return err
			}
			if room.IsPublic() {
				rooms = append(rooms, room)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(rooms, func(i, j int) bool {
		return rooms[i].CreatedAt.After(rooms[j].CreatedAt)
	})
	return rooms, nil
}

// Moderation Repository Implementation
func kickKey(roomID, userID string) string {
	return kickPrefix + roomID + ":" + userID
}

func (b *BadgerDB) RecordKick(_ context.Context, kick *models.Kick) error {
	data, err := json.Marshal(kick)
	if err != nil {
		return fmt.Errorf("marshal failed: %w", err)
	}
	entry := badger.NewEntry([]byte(kickKey(kick.RoomID, kick.UserID)), data)
	if ttl := time.Until(kick.ExpiresAt); ttl > 0 {
		entry = entry.WithTTL(ttl)
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(entry)
	})
}

func (b *BadgerDB) IsKicked(_ context.Context, roomID, userID string, now time.Time) (bool, error) {
	var kick models.Kick
	err := b.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, kickKey(roomID, userID), &kick)
	})
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return now.Before(kick.ExpiresAt), nil
}

func (b *BadgerDB) ClearKick(_ context.Context, roomID, userID string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(kickKey(roomID, userID)))
	})
}

func (b *BadgerDB) DeleteExpiredKicks(_ context.Context, now time.Time) (int, error) {
	var expired [][]byte
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(kickPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var kick models.Kick
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &kick)
			}); err != nil {
				return err
			}
			if !now.Before(kick.ExpiresAt) {
				expired = append(expired, it.Item().KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil || len(expired) == 0 {
		return 0, err
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		for _, key := range expired {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(expired), nil
}

func (b *BadgerDB) RecordReport(_ context.Context, report *models.Report) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, reportPrefix+report.RoomID+":"+report.ID, report)
	})
}
