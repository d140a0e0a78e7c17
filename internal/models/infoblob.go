package models

import (
	"database/sql/driver"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// InfoBlob is one ingested document or crawled page. For crawled pages the
// title equals the URL, and (tenant_id, website_id, title) is unique.
type InfoBlob struct {
	ID                     uuid.UUID  `db:"id" json:"id"`
	TenantID               uuid.UUID  `db:"tenant_id" json:"tenant_id"`
	WebsiteID              *uuid.UUID `db:"website_id" json:"website_id,omitempty"`
	GroupID                *uuid.UUID `db:"group_id" json:"group_id,omitempty"`
	IntegrationKnowledgeID *uuid.UUID `db:"integration_knowledge_id" json:"integration_knowledge_id,omitempty"`
	UserID                 uuid.UUID  `db:"user_id" json:"user_id"`
	EmbeddingModelID       uuid.UUID  `db:"embedding_model_id" json:"embedding_model_id"`
	Title                  string     `db:"title" json:"title"`
	URL                    *string    `db:"url" json:"url,omitempty"`
	Text                   string     `db:"text" json:"text"`
	Size                   int        `db:"size" json:"size"`
	ContentHash            string     `db:"content_hash" json:"content_hash"`
	CreatedAt              time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt              time.Time  `db:"updated_at" json:"updated_at"`
}

// InfoBlobChunk is one embedded chunk of a blob. Chunks of a blob form a
// contiguous sequence numbered from zero and are removed with the blob.
type InfoBlobChunk struct {
	InfoBlobID uuid.UUID `db:"info_blob_id" json:"info_blob_id"`
	ChunkNo    int       `db:"chunk_no" json:"chunk_no"`
	TenantID   uuid.UUID `db:"tenant_id" json:"tenant_id"`
	Text       string    `db:"text" json:"text"`
	Size       int       `db:"size" json:"size"`
	Embedding  Vector    `db:"embedding" json:"embedding"`
}

// Vector is a dense embedding stored in a pgvector column. It round-trips
// through the vector text literal "[x,y,z]".
type Vector []float32

// Value implements driver.Valuer
func (v Vector) Value() (driver.Value, error) {
	if v == nil {
		return nil, nil
	}
	var sb strings.Builder
	sb.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	sb.WriteByte(']')
	return sb.String(), nil
}

// Scan implements sql.Scanner, accepting vector and float-array literals
func (v *Vector) Scan(src interface{}) error {
	if src == nil {
		*v = nil
		return nil
	}

	var s string
	switch t := src.(type) {
	case []byte:
		s = string(t)
	case string:
		s = t
	default:
		return fmt.Errorf("cannot scan %T into Vector", src)
	}

	s = strings.TrimSpace(s)
	s = strings.Trim(s, "[]{}")
	if s == "" {
		*v = Vector{}
		return nil
	}

	parts := strings.Split(s, ",")
	out := make(Vector, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return fmt.Errorf("invalid vector element %q: %w", p, err)
		}
		out[i] = float32(f)
	}
	*v = out
	return nil
}
