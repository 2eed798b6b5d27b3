package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cortexbot/sessiond/internal/fieldcrypt"
	"github.com/cortexbot/sessiond/internal/fsm"
)

// document is the at-rest and over-the-wire JSON form of a Record.
// Sensitive fields are ciphertext strings; timestamps are RFC 3339.
type document struct {
	ConversationID  string            `json:"conversationId"`
	CurrentState    string            `json:"currentState"`
	StateHistory    []historyDocument `json:"stateHistory"`
	LastActivity    time.Time         `json:"lastActivity"`
	ErrorCount      int               `json:"errorCount"`
	SensitiveFields map[string]string `json:"sensitiveFields"`
	Version         int64             `json:"version"`
}

type historyDocument struct {
	State     string    `json:"state"`
	EnteredAt time.Time `json:"enteredAt"`
}

// EncodeRecord serializes a record, sealing each sensitive field
// through the codec. Fields marked unreadable carry no recoverable
// plaintext and are dropped from the document.
func EncodeRecord(codec *fieldcrypt.Codec, rec *Record) ([]byte, error) {
	if codec == nil {
		return nil, errors.New("codec is required")
	}
	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid record: %w", err)
	}

	doc := document{
		ConversationID:  rec.ConversationID,
		CurrentState:    string(rec.CurrentState),
		LastActivity:    rec.LastActivity.UTC(),
		ErrorCount:      rec.ErrorCount,
		SensitiveFields: make(map[string]string, len(rec.Sensitive)),
		Version:         rec.Version,
	}
	doc.StateHistory = make([]historyDocument, len(rec.StateHistory))
	for i, h := range rec.StateHistory {
		doc.StateHistory[i] = historyDocument{State: string(h.State), EnteredAt: h.EnteredAt.UTC()}
	}
	for name, plaintext := range rec.Sensitive {
		sealed, err := codec.EncryptField(plaintext)
		if err != nil {
			return nil, fmt.Errorf("encrypting field %s: %w", name, err)
		}
		doc.SensitiveFields[name] = sealed
	}

	return json.Marshal(doc)
}

// DecodeRecord deserializes a record, opening each sensitive field.
// A field that fails decryption is surfaced as an unreadable-field
// sentinel on the returned record; it never fails the whole read.
func DecodeRecord(codec *fieldcrypt.Codec, data []byte) (*Record, error) {
	if codec == nil {
		return nil, errors.New("codec is required")
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding session document: %w", err)
	}

	state, err := fsm.ParseState(doc.CurrentState)
	if err != nil {
		return nil, fmt.Errorf("decoding session document: %w", err)
	}

	rec := &Record{
		ConversationID: doc.ConversationID,
		CurrentState:   state,
		LastActivity:   doc.LastActivity,
		ErrorCount:     doc.ErrorCount,
		Sensitive:      make(map[string][]byte, len(doc.SensitiveFields)),
		Version:        doc.Version,
	}
	rec.StateHistory = make([]HistoryEntry, len(doc.StateHistory))
	for i, h := range doc.StateHistory {
		hs, err := fsm.ParseState(h.State)
		if err != nil {
			return nil, fmt.Errorf("decoding session document: %w", err)
		}
		rec.StateHistory[i] = HistoryEntry{State: hs, EnteredAt: h.EnteredAt}
	}

	for name, sealed := range doc.SensitiveFields {
		plaintext, err := codec.DecryptField(sealed)
		switch {
		case err == nil:
			rec.Sensitive[name] = plaintext
		case errors.Is(err, fieldcrypt.ErrKeyMismatch):
			rec.markUnreadable(name, UnreadableKeyMismatch)
		default:
			// Tampered or malformed: the field is lost either way.
			rec.markUnreadable(name, UnreadableTampered)
		}
	}

	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid session document: %w", err)
	}
	return rec, nil
}

func (r *Record) markUnreadable(field, reason string) {
	if r.Unreadable == nil {
		r.Unreadable = make(map[string]string)
	}
	r.Unreadable[field] = reason
}
