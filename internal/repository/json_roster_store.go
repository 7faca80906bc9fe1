package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/attendance-kiosk/internal/models"
	"github.com/noah-isme/attendance-kiosk/pkg/storage"
)

// RosterFormat names the JSON shape of the roster file.
type RosterFormat string

const (
	// RosterFormatObject stores {"<id>": "<name>", ...} in roster order.
	RosterFormatObject RosterFormat = "object"
	// RosterFormatList stores ["<name>", ...]; each name is its own id.
	RosterFormatList RosterFormat = "list"
)

// ErrListRosterIdentity is returned when a list roster is asked to store a
// subject whose id differs from its name.
var ErrListRosterIdentity = errors.New("list roster entries must use the name as id")

// DefaultRoster returns the first-run roster for a format.
func DefaultRoster(format RosterFormat) []models.Subject {
	if format == RosterFormatList {
		return []models.Subject{
			{ID: "placeholder1", Name: "placeholder1"},
			{ID: "placeholder2", Name: "placeholder2"},
			{ID: "placeholder3", Name: "placeholder3"},
			{ID: "placeholder4", Name: "placeholder4"},
		}
	}
	return []models.Subject{
		{ID: "101", Name: "Alice"},
		{ID: "102", Name: "Bob"},
		{ID: "103", Name: "Charlie"},
		{ID: "104", Name: "Diana"},
		{ID: "105", Name: "Ethan"},
	}
}

// JSONRosterStore keeps the roster in a JSON document. Object rosters are
// decoded token by token so that key order, and repeated keys, survive a
// load and save cycle.
type JSONRosterStore struct {
	files  *storage.LocalStorage
	name   string
	format RosterFormat
	lock   *storage.FileLock
	logger *zap.Logger
}

// NewJSONRosterStore builds a store for the roster file name under files.
func NewJSONRosterStore(files *storage.LocalStorage, name string, format RosterFormat, lockTimeout time.Duration, logger *zap.Logger) *JSONRosterStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if format != RosterFormatList {
		format = RosterFormatObject
	}
	return &JSONRosterStore{
		files:  files,
		name:   name,
		format: format,
		lock:   files.Lock(name, lockTimeout),
		logger: logger,
	}
}

// Bootstrap writes seed when the roster file does not exist yet.
func (s *JSONRosterStore) Bootstrap(ctx context.Context, seed []models.Subject) error {
	release, err := s.lock.Exclusive(ctx)
	if err != nil {
		return err
	}
	defer release()

	_, ok, err := s.files.Stat(s.name)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	if err := s.writeLocked(seed); err != nil {
		return err
	}
	s.logger.Info("roster created", zap.String("path", s.files.Path(s.name)), zap.Int("entries", len(seed)))
	return nil
}

// Load reads the roster in file order.
func (s *JSONRosterStore) Load(ctx context.Context) ([]models.Subject, error) {
	release, err := s.lock.Shared(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	data, err := s.files.ReadFile(s.name)
	if err != nil {
		return nil, err
	}
	return decodeRoster(data)
}

// Save replaces the roster atomically.
func (s *JSONRosterStore) Save(ctx context.Context, subjects []models.Subject) error {
	release, err := s.lock.Exclusive(ctx)
	if err != nil {
		return err
	}
	defer release()
	return s.writeLocked(subjects)
}

// Update applies fn to the current roster and saves its result while holding
// the exclusive lock, so concurrent editors cannot lose each other's changes.
func (s *JSONRosterStore) Update(ctx context.Context, fn func([]models.Subject) ([]models.Subject, error)) error {
	release, err := s.lock.Exclusive(ctx)
	if err != nil {
		return err
	}
	defer release()

	data, err := s.files.ReadFile(s.name)
	if err != nil {
		return err
	}
	current, err := decodeRoster(data)
	if err != nil {
		return err
	}
	next, err := fn(current)
	if err != nil {
		return err
	}
	return s.writeLocked(next)
}

func (s *JSONRosterStore) writeLocked(subjects []models.Subject) error {
	data, err := encodeRoster(s.format, subjects)
	if err != nil {
		return err
	}
	return s.files.WriteAtomic(s.name, data)
}

func decodeRoster(data []byte) ([]models.Subject, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return []models.Subject{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("decode roster: %w", err)
	}

	subjects := []models.Subject{}
	switch tok {
	case json.Delim('{'):
		for dec.More() {
			keyTok, err := dec.Token()
			if err != nil {
				return nil, fmt.Errorf("decode roster key: %w", err)
			}
			key, _ := keyTok.(string)
			var name string
			if err := dec.Decode(&name); err != nil {
				return nil, fmt.Errorf("decode roster entry %q: %w", key, err)
			}
			subjects = append(subjects, models.Subject{ID: key, Name: name})
		}
	case json.Delim('['):
		for dec.More() {
			var name string
			if err := dec.Decode(&name); err != nil {
				return nil, fmt.Errorf("decode roster entry: %w", err)
			}
			subjects = append(subjects, models.Subject{ID: name, Name: name})
		}
	default:
		return nil, fmt.Errorf("decode roster: expected object or array, got %v", tok)
	}
	if _, err := dec.Token(); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode roster: %w", err)
	}
	return subjects, nil
}

func encodeRoster(format RosterFormat, subjects []models.Subject) ([]byte, error) {
	buf := &bytes.Buffer{}
	if format == RosterFormatList {
		names := make([]string, len(subjects))
		for i, s := range subjects {
			if s.ID != s.Name {
				return nil, ErrListRosterIdentity
			}
			names[i] = s.Name
		}
		enc := json.NewEncoder(buf)
		enc.SetEscapeHTML(false)
		enc.SetIndent("", "  ")
		if err := enc.Encode(names); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	if len(subjects) == 0 {
		buf.WriteString("{}\n")
		return buf.Bytes(), nil
	}
	buf.WriteString("{\n")
	for i, s := range subjects {
		buf.WriteString("  ")
		if err := writeJSONString(buf, s.ID); err != nil {
			return nil, err
		}
		buf.WriteString(": ")
		if err := writeJSONString(buf, s.Name); err != nil {
			return nil, err
		}
		if i < len(subjects)-1 {
			buf.WriteByte(',')
		}
		buf.WriteByte('\n')
	}
	buf.WriteString("}\n")
	return buf.Bytes(), nil
}

func writeJSONString(buf *bytes.Buffer, value string) error {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(value); err != nil {
		return err
	}
	// Encode terminates with a newline.
	buf.Truncate(buf.Len() - 1)
	return nil
}
