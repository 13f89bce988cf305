package addresses

import (
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"golang.org/x/crypto/sha3"
)

// Column is the required header of an address list.
const Column = "Address"

var addrRe = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// ErrNoAddressColumn is returned when the header lacks an Address column.
var ErrNoAddressColumn = errors.New("address list: missing Address column")

// Entry is one row of the address list. Address is kept exactly as submitted
// so the output joins back on it; Canonical is the lower-case form.
type Entry struct {
	Index     int
	Address   string
	Canonical string
	Problem   error // non-nil when the address fails shape or checksum validation
}

// Valid reports whether the entry can be sent to the explorer.
func (e Entry) Valid() bool { return e.Problem == nil || errors.Is(e.Problem, ErrChecksumMismatch) }

// ErrChecksumMismatch marks a mixed-case address whose EIP-55 checksum is wrong.
// The address is still usable; the caller should warn.
var ErrChecksumMismatch = errors.New("eip-55 checksum mismatch")

// ErrInvalidShape marks a value that is not 0x followed by 40 hex digits.
var ErrInvalidShape = errors.New("not a 0x-prefixed 20-byte hex address")

// Open reads the address list at path.
func Open(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	entries, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return entries, nil
}

// Read parses a CSV with an Address header (matched case-insensitively after
// trimming). Extra columns are ignored and blank rows skipped. Every other row
// yields an Entry, including malformed addresses, in file order.
func Read(r io.Reader) ([]Entry, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrNoAddressColumn
	}
	if err != nil {
		return nil, fmt.Errorf("address list header: %w", err)
	}
	col := -1
	for i, h := range header {
		h = strings.TrimPrefix(h, "\ufeff")
		if strings.EqualFold(strings.TrimSpace(h), Column) {
			col = i
			break
		}
	}
	if col < 0 {
		return nil, ErrNoAddressColumn
	}
	var out []Entry
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("address list: %w", err)
		}
		if col >= len(rec) {
			continue
		}
		raw := strings.TrimSpace(rec[col])
		if raw == "" {
			continue
		}
		out = append(out, Entry{
			Index:     len(out),
			Address:   raw,
			Canonical: strings.ToLower(raw),
			Problem:   Validate(raw),
		})
	}
	return out, nil
}

// Validate checks shape and, for mixed-case input, the EIP-55 checksum.
// All-lower and all-upper hex carry no checksum and pass.
func Validate(addr string) error {
	if !addrRe.MatchString(addr) {
		return ErrInvalidShape
	}
	body := addr[2:]
	if body == strings.ToLower(body) || body == strings.ToUpper(body) {
		return nil
	}
	if Checksum(addr) != addr {
		return ErrChecksumMismatch
	}
	return nil
}

// Checksum returns the EIP-55 mixed-case form of a 20-byte hex address.
// Input that is not a well-formed address is returned unchanged.
func Checksum(addr string) string {
	if !addrRe.MatchString(addr) {
		return addr
	}
	lower := strings.ToLower(addr[2:])
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(lower))
	digest := hex.EncodeToString(h.Sum(nil))
	out := make([]byte, 0, 42)
	out = append(out, '0', 'x')
	for i := 0; i < len(lower); i++ {
		c := lower[i]
		if c >= 'a' && c <= 'f' && digest[i] >= '8' {
			c -= 'a' - 'A'
		}
		out = append(out, c)
	}
	return string(out)
}
