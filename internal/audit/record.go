package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gowebpki/jcs"

	"aimdrag/internal/domain"
)

// ZeroHash is the prev_hash of the first record.
var ZeroHash = strings.Repeat("0", sha256.Size*2)

// IntegrityHash returns the sha256 hex digest of the RFC 8785 canonical form
// of rec with its integrity_hash blanked. prev_hash is part of the input.
func IntegrityHash(rec domain.AuditRecord) (string, error) {
	rec.IntegrityHash = ""
	raw, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshal record: %w", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize record: %w", err)
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// Fields assigned by the chain at append time. The encoded line starts with
// the first two and ends with the last two.
var (
	linePrefix = []byte(`{"sequence":0,"timestamp":"0001-01-01T00:00:00Z"`)
	lineSuffix = []byte(`,"prev_hash":"","integrity_hash":""}`)
	sealedKeys = []string{"sequence", "timestamp", "prev_hash"}
)

// draft is a record serialized and canonicalized ahead of its chain position,
// so sealing it only splices in the chain fields and hashes.
type draft struct {
	rec     domain.AuditRecord
	keys    []string
	members map[string]json.RawMessage
	body    []byte
}

func newDraft(rec domain.AuditRecord) (*draft, error) {
	rec.Sequence, rec.Timestamp, rec.PrevHash, rec.IntegrityHash = 0, time.Time{}, "", ""
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal record: %v", ErrInvalidEntry, err)
	}
	if !bytes.HasPrefix(raw, linePrefix) || !bytes.HasSuffix(raw, lineSuffix) {
		return nil, fmt.Errorf("%w: unexpected record layout", ErrInvalidEntry)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: canonicalize record: %v", ErrInvalidEntry, err)
	}
	members := map[string]json.RawMessage{}
	if err := json.Unmarshal(canon, &members); err != nil {
		return nil, fmt.Errorf("%w: canonical members: %v", ErrInvalidEntry, err)
	}
	for _, k := range sealedKeys {
		delete(members, k)
	}
	keys := make([]string, 0, len(members)+len(sealedKeys))
	for k := range members {
		keys = append(keys, k)
	}
	keys = append(keys, sealedKeys...)
	sort.Strings(keys)
	return &draft{
		rec:     rec,
		keys:    keys,
		members: members,
		body:    raw[len(linePrefix) : len(raw)-len(lineSuffix)],
	}, nil
}

// seal places the draft at seq after prev. The hash equals IntegrityHash of
// the returned record and the line equals its JSON encoding plus a newline.
func (d *draft) seal(seq uint64, ts time.Time, prev string) (domain.AuditRecord, []byte, error) {
	tsJSON, err := json.Marshal(ts)
	if err != nil {
		return domain.AuditRecord{}, nil, fmt.Errorf("%w: timestamp: %v", ErrInvalidEntry, err)
	}
	prevJSON, err := json.Marshal(prev)
	if err != nil {
		return domain.AuditRecord{}, nil, fmt.Errorf("%w: prev_hash: %v", ErrInvalidEntry, err)
	}
	seqJSON := strconv.AppendUint(nil, seq, 10)

	h := sha256.New()
	h.Write([]byte{'{'})
	for i, k := range d.keys {
		if i > 0 {
			h.Write([]byte{','})
		}
		h.Write([]byte(`"` + k + `":`))
		switch k {
		case "sequence":
			h.Write(seqJSON)
		case "timestamp":
			h.Write(tsJSON)
		case "prev_hash":
			h.Write(prevJSON)
		default:
			h.Write(d.members[k])
		}
	}
	h.Write([]byte{'}'})

	rec := d.rec
	rec.Sequence = seq
	rec.Timestamp = ts
	rec.PrevHash = prev
	rec.IntegrityHash = hex.EncodeToString(h.Sum(nil))

	line := make([]byte, 0, len(d.body)+len(tsJSON)+2*sha256.Size*2+80)
	line = append(line, `{"sequence":`...)
	line = append(line, seqJSON...)
	line = append(line, `,"timestamp":`...)
	line = append(line, tsJSON...)
	line = append(line, d.body...)
	line = append(line, `,"prev_hash":`...)
	line = append(line, prevJSON...)
	line = append(line, `,"integrity_hash":"`...)
	line = append(line, rec.IntegrityHash...)
	line = append(line, '"', '}', '\n')
	return rec, line, nil
}

// decodeLine parses a persisted line and requires that it re-encodes to the
// exact same bytes, so edits that JSON decoding would ignore still count.
func decodeLine(line []byte) (domain.AuditRecord, error) {
	var rec domain.AuditRecord
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	dec.DisallowUnknownFields()
	if err := dec.Decode(&rec); err != nil {
		return rec, fmt.Errorf("decode: %w", err)
	}
	again, err := json.Marshal(rec)
	if err != nil {
		return rec, fmt.Errorf("re-encode: %w", err)
	}
	if !bytes.Equal(again, line) {
		return rec, fmt.Errorf("line is not in canonical encoding")
	}
	return rec, nil
}

// normalizeParameters round-trips parameters through JSON so the in-memory
// record matches what a replay decodes, and rejects values that cannot be
// canonicalized.
func normalizeParameters(params map[string]any) (map[string]any, error) {
	if params == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("%w: parameters: %v", ErrInvalidEntry, err)
	}
	if _, err := jcs.Transform(raw); err != nil {
		return nil, fmt.Errorf("%w: parameters: %v", ErrInvalidEntry, err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	out := map[string]any{}
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: parameters: %v", ErrInvalidEntry, err)
	}
	return out, nil
}

// CheckParameters reports an ErrInvalidEntry error if params cannot be
// stored in a record.
func CheckParameters(params map[string]any) error {
	_, err := normalizeParameters(params)
	return err
}

// DecodeRecord parses one persisted line. Exposed for archive import and tooling.
func DecodeRecord(line []byte) (domain.AuditRecord, error) {
	return decodeLine(line)
}
