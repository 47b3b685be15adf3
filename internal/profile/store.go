package profile

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fernet/fernet-go"
	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/havenssh/core/internal/logutil"
	"github.com/havenssh/core/internal/transport"
	"github.com/havenssh/core/internal/wrapper"
)

// ErrNotFound is returned when no profile has the requested ID.
var ErrNotFound = errors.New("profile: not found")

const fernetKeySetting = "fernet_key"

// Store is the profile database.
type Store struct {
	db  *gorm.DB
	key *fernet.Key
}

// Open opens (creating if needed) the SQLite database at path. encodedKey is
// an optional fernet key; when empty the key is loaded from, or generated
// into, the settings table.
func Open(path, encodedKey string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && path != ":memory:" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	if path == ":memory:" {
		// Each pooled connection would otherwise get its own empty database.
		sqlDB.SetMaxOpenConns(1)
	} else if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if err := db.AutoMigrate(&Record{}, &Setting{}); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}

	s := &Store{db: db}
	if s.key, err = s.loadKey(encodedKey); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks the database connection.
func (s *Store) Ping() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

func (s *Store) loadKey(encoded string) (*fernet.Key, error) {
	if encoded != "" {
		key, err := fernet.DecodeKey(encoded)
		if err != nil {
			return nil, fmt.Errorf("decode fernet key: %w", err)
		}
		return key, nil
	}

	stored, err := s.getSetting(fernetKeySetting)
	if err == nil {
		key, err := fernet.DecodeKey(stored)
		if err != nil {
			return nil, fmt.Errorf("decode stored fernet key: %w", err)
		}
		return key, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("load fernet key: %w", err)
	}

	var k fernet.Key
	if err := k.Generate(); err != nil {
		return nil, fmt.Errorf("generate fernet key: %w", err)
	}
	if err := s.setSetting(fernetKeySetting, k.Encode()); err != nil {
		return nil, fmt.Errorf("save fernet key: %w", err)
	}
	log.Printf("[profile] generated new credential encryption key")
	return &k, nil
}

func (s *Store) getSetting(key string) (string, error) {
	var st Setting
	if err := s.db.Where("key = ?", key).First(&st).Error; err != nil {
		return "", err
	}
	return st.Value, nil
}

func (s *Store) setSetting(key, value string) error {
	return s.db.Where("key = ?", key).Assign(Setting{Value: value}).FirstOrCreate(&Setting{Key: key}).Error
}

func (s *Store) encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	tok, err := fernet.EncryptAndSign([]byte(plaintext), s.key)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return string(tok), nil
}

func (s *Store) decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	msg := fernet.VerifyAndDecrypt([]byte(ciphertext), 0, []*fernet.Key{s.key})
	if msg == nil {
		return "", fmt.Errorf("decrypt: invalid token")
	}
	return string(msg), nil
}

// applySecrets encrypts the non-empty secrets of in onto rec.
func (s *Store) applySecrets(rec *Record, in Input) error {
	if in.PrivateKey == "" && in.PrivateKeyFile != "" {
		pem, err := os.ReadFile(expandHome(in.PrivateKeyFile))
		if err != nil {
			return fmt.Errorf("read private key file: %w", err)
		}
		in.PrivateKey = string(pem)
	}
	for _, f := range []struct {
		plain string
		dst   *string
	}{
		{in.Password, &rec.PasswordEnc},
		{in.PrivateKey, &rec.PrivateKeyEnc},
		{in.Passphrase, &rec.PassphraseEnc},
	} {
		if f.plain == "" {
			continue
		}
		enc, err := s.encrypt(f.plain)
		if err != nil {
			return err
		}
		*f.dst = enc
	}
	return nil
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

func applyFields(rec *Record, in Input) {
	rec.Label = in.Label
	rec.Transport = in.Transport
	rec.Host = in.Host
	rec.Port = in.Port
	rec.Username = in.Username
	rec.AuthKind = in.AuthKind
	rec.HostKeyFingerprint = in.HostKeyFingerprint
	rec.Wrapper = in.Wrapper
	rec.WrapperSessionName = in.WrapperSessionName
	rec.RememberCreds = in.RememberCredentials
}

// Create stores a new profile.
func (s *Store) Create(in Input) (*Record, error) {
	if err := in.normalize(); err != nil {
		return nil, err
	}
	rec := &Record{ID: uuid.NewString()}
	applyFields(rec, in)
	if err := s.applySecrets(rec, in); err != nil {
		return nil, err
	}
	if err := s.db.Create(rec).Error; err != nil {
		return nil, fmt.Errorf("create profile: %w", err)
	}
	log.Printf("[profile] created %s (%s)", rec.ID, logutil.SanitizeForLog(rec.Label))
	return rec, nil
}

// Get returns the stored profile with the given ID.
func (s *Store) Get(id string) (*Record, error) {
	var rec Record
	if err := s.db.Where("id = ?", id).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// List returns every profile ordered by label.
func (s *Store) List() ([]Record, error) {
	var recs []Record
	if err := s.db.Order("label").Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}

// Update replaces the profile's settings. Secrets left empty in the input
// keep their stored values.
func (s *Store) Update(id string, in Input) (*Record, error) {
	if err := in.normalize(); err != nil {
		return nil, err
	}
	rec, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	applyFields(rec, in)
	if err := s.applySecrets(rec, in); err != nil {
		return nil, err
	}
	if err := s.db.Save(rec).Error; err != nil {
		return nil, fmt.Errorf("update profile: %w", err)
	}
	return rec, nil
}

// Delete removes a profile.
func (s *Store) Delete(id string) error {
	res := s.db.Where("id = ?", id).Delete(&Record{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkConnected records a successful connection to profile id.
func (s *Store) MarkConnected(id string) error {
	res := s.db.Model(&Record{}).Where("id = ?", id).Update("last_connected_at", time.Now())
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetWrapperSessionName remembers the remote wrapper session used for
// profile id.
func (s *Store) SetWrapperSessionName(id, name string) error {
	return s.db.Model(&Record{}).Where("id = ?", id).Update("wrapper_session_name", name).Error
}

// Resolve loads profile id with its credentials decrypted.
func (s *Store) Resolve(id string) (Profile, error) {
	rec, err := s.Get(id)
	if err != nil {
		return Profile{}, err
	}
	password, err := s.decrypt(rec.PasswordEnc)
	if err != nil {
		return Profile{}, fmt.Errorf("profile %s password: %w", id, err)
	}
	key, err := s.decrypt(rec.PrivateKeyEnc)
	if err != nil {
		return Profile{}, fmt.Errorf("profile %s private key: %w", id, err)
	}
	passphrase, err := s.decrypt(rec.PassphraseEnc)
	if err != nil {
		return Profile{}, fmt.Errorf("profile %s passphrase: %w", id, err)
	}

	w, err := wrapper.ParseKind(rec.Wrapper)
	if err != nil {
		log.Printf("[profile] %s: %v, using none", id, err)
	}

	p := Profile{
		ID:                  rec.ID,
		Label:               rec.Label,
		Transport:           transport.Kind(rec.Transport),
		Host:                rec.Host,
		Port:                rec.Port,
		Username:            rec.Username,
		HostKeyFingerprint:  rec.HostKeyFingerprint,
		Wrapper:             w,
		WrapperSessionName:  rec.WrapperSessionName,
		RememberCredentials: rec.RememberCreds,
		Auth: transport.AuthMethod{
			Kind:       transport.AuthKind(rec.AuthKind),
			Password:   password,
			Passphrase: passphrase,
		},
	}
	if key != "" {
		p.Auth.PrivateKey = []byte(key)
	}
	return p, nil
}

// findByLabel returns the profile with the given label, case-insensitively.
func (s *Store) findByLabel(label string) (*Record, error) {
	var rec Record
	err := s.db.Where("lower(label) = ?", strings.ToLower(label)).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}
