// Package store is the gorm-backed persistence layer for the REST surface:
// users, meetings, and overlays. It owns schema migration and translates
// gorm errors into the sentinel errors internal/api checks against, the same
// separation of concerns the teacher's deps.Deps kept between a *gorm.DB
// handle and the handlers that use it.
package store

import (
	"errors"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// ErrNotFound is returned when a lookup by id matches no row.
var ErrNotFound = errors.New("not found")

// ErrDuplicateEmail is returned by CreateUser when the email is already
// registered, per spec §6's 409 "This email is already registered".
var ErrDuplicateEmail = errors.New("email already registered")

// User mirrors the persisted-profile layout from spec §6: full_name_enc and
// email_enc hold AES-256-CBC ciphertext produced by internal/crypto, never
// plaintext.
type User struct {
	ID          string `gorm:"primaryKey"`
	FullNameEnc string `gorm:"column:full_name_enc"`
	EmailEnc    string `gorm:"column:email_enc;uniqueIndex"`
	CreatedAt   time.Time
}

func (User) TableName() string { return "users" }

// Meeting is scheduled by one host user for up to two participants (the
// participant cap itself is enforced at join time by internal/session, not
// here). IDs are accepted even when negative or zero — spec §9 flags this as
// unvalidated-but-preserved source behaviour.
type Meeting struct {
	ID          int64 `gorm:"primaryKey;autoIncrement:false"`
	Title       string
	ScheduledAt time.Time
	HostUserID  string
	CreatedAt   time.Time
}

func (Meeting) TableName() string { return "meetings" }

// Overlay is the metadata row for an uploaded overlay asset; the asset bytes
// themselves live on disk under Filename, not in the database.
type Overlay struct {
	ID          string `gorm:"primaryKey"`
	OwnerUserID string
	URL         string
	Filename    string
	CreatedAt   time.Time
}

func (Overlay) TableName() string { return "overlays" }

// Store wraps *gorm.DB with the small set of queries internal/api needs,
// keeping gorm itself out of the handler package the way the teacher kept
// *gorm.DB behind deps.Deps rather than imported directly into handlers.
type Store struct {
	db *gorm.DB
}

// Open connects to dsn and migrates the schema. A dsn beginning with
// "postgres://" selects gorm's postgres driver; anything else is treated as
// a sqlite file path, matching internal/config.Config.DatabaseDSN's doc.
func Open(dsn string) (*Store, error) {
	var dialector gorm.Dialector
	if strings.HasPrefix(dsn, "postgres://") {
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(dsn)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&User{}, &Meeting{}, &Overlay{}); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// CreateUser inserts a new user row, translating a unique-email collision
// into ErrDuplicateEmail.
func (s *Store) CreateUser(u *User) error {
	u.CreatedAt = time.Now()
	if err := s.db.Create(u).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateEmail
		}
		return err
	}
	return nil
}

// GetUser fetches a user by id.
func (s *Store) GetUser(id string) (*User, error) {
	var u User
	if err := s.db.First(&u, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// UpdateUserName overwrites the encrypted full-name field of an existing user.
func (s *Store) UpdateUserName(id, fullNameEnc string) error {
	res := s.db.Model(&User{}).Where("id = ?", id).Update("full_name_enc", fullNameEnc)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteUser removes a user row.
func (s *Store) DeleteUser(id string) error {
	res := s.db.Delete(&User{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateMeeting inserts a new meeting row. id is accepted verbatim — see the
// Meeting doc comment.
func (s *Store) CreateMeeting(m *Meeting) error {
	m.CreatedAt = time.Now()
	return s.db.Create(m).Error
}

// UpdateMeeting overwrites the mutable fields of an existing meeting.
func (s *Store) UpdateMeeting(id int64, title string, scheduledAt time.Time) error {
	res := s.db.Model(&Meeting{}).Where("id = ?", id).
		Updates(map[string]interface{}{"title": title, "scheduled_at": scheduledAt})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteMeeting removes a meeting row.
func (s *Store) DeleteMeeting(id int64) error {
	res := s.db.Delete(&Meeting{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetAllMeetings returns every scheduled meeting.
func (s *Store) GetAllMeetings() ([]Meeting, error) {
	var meetings []Meeting
	if err := s.db.Order("scheduled_at asc").Find(&meetings).Error; err != nil {
		return nil, err
	}
	return meetings, nil
}

// CreateOverlay inserts a new overlay asset row.
func (s *Store) CreateOverlay(o *Overlay) error {
	o.CreatedAt = time.Now()
	return s.db.Create(o).Error
}

// DeleteOverlay removes an overlay row.
func (s *Store) DeleteOverlay(id string) error {
	res := s.db.Delete(&Overlay{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetAllOverlays returns every uploaded overlay.
func (s *Store) GetAllOverlays() ([]Overlay, error) {
	var overlays []Overlay
	if err := s.db.Order("created_at desc").Find(&overlays).Error; err != nil {
		return nil, err
	}
	return overlays, nil
}

// isUniqueViolation is a best-effort check spanning both backing drivers:
// sqlite's error text and postgres's SQLSTATE 23505 both contain "unique".
func isUniqueViolation(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "unique")
}
