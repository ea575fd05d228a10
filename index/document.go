package index

import (
	"github.com/petal-labs/centralseq/identity"
	"github.com/petal-labs/centralseq/store"
)

// Document is the index representation of a sequence record. ID is the
// canonical identity key string.
type Document struct {
	ID             string `json:"id"`
	ElementType    string `json:"element_type"`
	ElementID      int64  `json:"element_id"`
	SequenceNumber int64  `json:"sequence_number"`
	VersionNumber  int64  `json:"version_number"`
	Comment        string `json:"comment"`
	// UpdatedAt is unix seconds; search engines sort on integer fields.
	UpdatedAt int64 `json:"updated_at"`
}

// DocumentFromRecord converts a store record into an index document.
func DocumentFromRecord(rec store.Record) Document {
	var updated int64
	if !rec.UpdatedAt.IsZero() {
		updated = rec.UpdatedAt.Unix()
	}
	return Document{
		ID:             rec.Key().String(),
		ElementType:    rec.ElementType,
		ElementID:      rec.ElementID,
		SequenceNumber: rec.SequenceNumber,
		VersionNumber:  rec.VersionNumber,
		Comment:        rec.Comment,
		UpdatedAt:      updated,
	}
}

// Key returns the identity key of the document.
func (d Document) Key() identity.Key {
	return identity.New(d.ElementType, d.ElementID)
}
