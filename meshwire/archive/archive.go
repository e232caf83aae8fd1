// Package archive exports and imports local state as a streaming
// container: a 2-byte version and 12-byte nonce, then a
// zstd-compressed stream of AEAD-encrypted frames, each prefixed by
// a 4-byte little-endian length. The first frame is the metadata
// record; groups always precede their messages.
package archive

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"

	"github.com/krew-solutions/meshwire-go/meshwire/store"
)

const (
	// Version of the container layout.
	Version uint16 = 1
	// NonceSize is the AES-GCM nonce carried in the header.
	NonceSize = 12
	// MinKeyLen is the minimum encryption key length; longer keys are
	// truncated to 32 bytes.
	MinKeyLen = 32
)

var (
	ErrShortKey        = errors.New("archive: encryption key must be at least 32 bytes")
	ErrMissingMetadata = errors.New("archive: container has no metadata frame")
)

// Selection picks which element types an archive carries.
type Selection int

const (
	SelectConsent Selection = iota + 1
	SelectMessages
)

// Options bound an export.
type Options struct {
	Selections []Selection
	StartNs    int64
	EndNs      int64
	// ExcludeDisappearing leaves out messages that expire.
	ExcludeDisappearing bool
}

func (o Options) selected(s Selection) bool {
	for _, sel := range o.Selections {
		if sel == s {
			return true
		}
	}
	return false
}

// Metadata is the first frame of every archive.
type Metadata struct {
	Version      uint16
	Selections   []Selection
	StartNs      int64
	EndNs        int64
	ExportedAtNs int64
}

// element is one archive frame.
type element struct {
	Metadata *Metadata
	Consent  *store.ConsentRecord
	Group    *store.Group
	Message  *store.Message
}

func aeadFor(key []byte) (cipher.AEAD, error) {
	if len(key) < MinKeyLen {
		return nil, ErrShortKey
	}
	block, err := aes.NewCipher(key[:MinKeyLen])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Export writes the selected elements to w.
func Export(w io.Writer, st store.Store, key []byte, opts Options, nowNs int64) error {
	aead, err := aeadFor(key)
	if err != nil {
		return err
	}

	var version [2]byte
	binary.LittleEndian.PutUint16(version[:], Version)
	if _, err := w.Write(version[:]); err != nil {
		return err
	}
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return err
	}
	if _, err := w.Write(nonce); err != nil {
		return err
	}

	zw, err := zstd.NewWriter(w)
	if err != nil {
		return err
	}

	writeElement := func(el *element) error {
		plaintext, err := json.Marshal(el)
		if err != nil {
			return err
		}
		sealed := aead.Seal(nil, nonce, plaintext, nil)
		var frameLen [4]byte
		binary.LittleEndian.PutUint32(frameLen[:], uint32(len(sealed)))
		if _, err := zw.Write(frameLen[:]); err != nil {
			return err
		}
		_, err = zw.Write(sealed)
		return err
	}

	if err := writeElement(&element{Metadata: &Metadata{
		Version:      Version,
		Selections:   opts.Selections,
		StartNs:      opts.StartNs,
		EndNs:        opts.EndNs,
		ExportedAtNs: nowNs,
	}}); err != nil {
		return err
	}

	if opts.selected(SelectConsent) {
		records, err := st.ListConsent()
		if err != nil {
			return err
		}
		for _, record := range records {
			if err := writeElement(&element{Consent: record}); err != nil {
				return err
			}
		}
	}

	if opts.selected(SelectMessages) {
		// groups precede their messages; importers rely on the order
		groups, err := st.ListGroups()
		if err != nil {
			return err
		}
		for _, g := range groups {
			if !inRange(g.CreatedAtNs, opts.StartNs, opts.EndNs) {
				continue
			}
			if err := writeElement(&element{Group: g}); err != nil {
				return err
			}
		}
		for _, g := range groups {
			msgs, err := st.ListMessages(g.ID)
			if err != nil {
				return err
			}
			for _, m := range msgs {
				if !inRange(m.SentAtNs, opts.StartNs, opts.EndNs) {
					continue
				}
				if opts.ExcludeDisappearing && m.ExpireAtNs > 0 {
					continue
				}
				if err := writeElement(&element{Message: m}); err != nil {
					return err
				}
			}
		}
	}

	return zw.Close()
}

func inRange(ns, startNs, endNs int64) bool {
	if startNs > 0 && ns < startNs {
		return false
	}
	if endNs > 0 && ns > endNs {
		return false
	}
	return true
}

// Importer reads one archive.
type Importer struct {
	Metadata Metadata

	aead    cipher.AEAD
	nonce   []byte
	decoder *zstd.Decoder
}

// NewImporter opens the container and reads the metadata frame.
func NewImporter(r io.Reader, key []byte) (*Importer, error) {
	aead, err := aeadFor(key)
	if err != nil {
		return nil, err
	}

	var header [2 + NonceSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, errors.Wrap(err, "reading archive header")
	}
	version := binary.LittleEndian.Uint16(header[:2])
	if version == 0 || version > Version {
		return nil, errors.Errorf("archive: unsupported version %d", version)
	}

	decoder, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}

	imp := &Importer{
		aead:    aead,
		nonce:   header[2:],
		decoder: decoder,
	}
	first, err := imp.next()
	if err != nil {
		return nil, err
	}
	if first == nil || first.Metadata == nil {
		return nil, ErrMissingMetadata
	}
	imp.Metadata = *first.Metadata
	imp.Metadata.Version = version
	return imp, nil
}

func (imp *Importer) next() (*element, error) {
	var frameLen [4]byte
	if _, err := io.ReadFull(imp.decoder, frameLen[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, nil
		}
		return nil, err
	}
	sealed := make([]byte, binary.LittleEndian.Uint32(frameLen[:]))
	if _, err := io.ReadFull(imp.decoder, sealed); err != nil {
		return nil, err
	}
	plaintext, err := imp.aead.Open(nil, imp.nonce, sealed, nil)
	if err != nil {
		return nil, errors.Wrap(err, "archive: frame decryption failed")
	}
	el := &element{}
	if err := json.Unmarshal(plaintext, el); err != nil {
		// an undecodable record is skipped; the import continues
		return &element{}, nil
	}
	return el, nil
}

// Restore inserts every remaining element into the store. Records
// that fail to decode or apply are skipped; the import continues.
func (imp *Importer) Restore(st store.Store) error {
	defer imp.decoder.Close()
	for {
		el, err := imp.next()
		if err != nil {
			return err
		}
		if el == nil {
			return nil
		}
		switch {
		case el.Consent != nil:
			_ = st.SetConsent(el.Consent)
		case el.Group != nil:
			restoreGroup(st, el.Group)
		case el.Message != nil:
			_ = st.InsertMessage(el.Message)
		}
	}
}

// restoreGroup inserts a restored conversation stub and its
// backup-restore commit-log row. Restored groups cannot decrypt new
// traffic until re-welcomed; the membership state says so.
func restoreGroup(st store.Store, g *store.Group) {
	restored := *g
	restored.MembershipState = store.MembershipRestored
	if err := st.InsertGroup(&restored); err != nil {
		return
	}
	_ = st.AppendCommitLog(&store.CommitLogRow{
		GroupID:                   restored.ID,
		CommitSequenceID:          0,
		Result:                    store.CommitApplied,
		AppliedEpochNumber:        restored.Epoch,
		AppliedEpochAuthenticator: restored.LastEpochAuthenticator,
		CommitType:                store.CommitBackupRestore,
	})
}
