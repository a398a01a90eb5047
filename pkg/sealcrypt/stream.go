// Package sealcrypt holds the client-side cryptographic primitives of the
// dataset envelope: content keys, the segmented AEAD stream format, key
// wrapping toward a principal's public key and content addressing.
package sealcrypt

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	chunker "github.com/ipfs/boxo/chunker"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// KeySize is the size of a content key in bytes.
	KeySize = chacha20poly1305.KeySize
	// SegmentSize is the plaintext size of every segment but the last.
	SegmentSize = 64 << 10

	noncePrefixSize = chacha20poly1305.NonceSizeX - 8
	headerSize      = len(streamMagic) + noncePrefixSize
	maxSealedSize   = SegmentSize + chacha20poly1305.Overhead
)

var streamMagic = [4]byte{'S', 'Y', 'E', '1'}

var (
	// ErrBadKey is returned when a ciphertext does not authenticate under the
	// given key, or when a wrapped key cannot be opened.
	ErrBadKey = errors.New("sealcrypt: bad key")
	// ErrBadRecipient is returned when a recipient public key is malformed.
	ErrBadRecipient = errors.New("sealcrypt: bad recipient")
)

// ContentKey is a 256-bit symmetric key protecting one ciphertext.
type ContentKey [KeySize]byte

// GenerateContentKey draws a fresh key from the system CSPRNG.
func GenerateContentKey() (ContentKey, error) {
	var k ContentKey
	if _, err := io.ReadFull(rand.Reader, k[:]); err != nil {
		return ContentKey{}, fmt.Errorf("generate content key: %w", err)
	}
	return k, nil
}

func segmentNonce(prefix []byte, index uint64) []byte {
	nonce := make([]byte, 0, chacha20poly1305.NonceSizeX)
	nonce = append(nonce, prefix...)
	return binary.BigEndian.AppendUint64(nonce, index)
}

func segmentAAD(index uint64, final bool) []byte {
	aad := make([]byte, 0, len(streamMagic)+9)
	aad = append(aad, streamMagic[:]...)
	aad = binary.BigEndian.AppendUint64(aad, index)
	if final {
		return append(aad, 1)
	}
	return append(aad, 0)
}

// EncryptStream reads plaintext until EOF and writes the sealed stream to w.
// A random nonce prefix is drawn per stream, so a key may protect more than
// one stream without nonce reuse.
func EncryptStream(key ContentKey, plaintext io.Reader, w io.Writer) error {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return fmt.Errorf("init aead: %w", err)
	}

	prefix := make([]byte, noncePrefixSize)
	if _, err := io.ReadFull(rand.Reader, prefix); err != nil {
		return fmt.Errorf("draw nonce: %w", err)
	}
	if _, err := w.Write(streamMagic[:]); err != nil {
		return err
	}
	if _, err := w.Write(prefix); err != nil {
		return err
	}

	splitter := chunker.NewSizeSplitter(plaintext, SegmentSize)
	cur, err := splitter.NextBytes()
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read plaintext: %w", err)
	}
	final := errors.Is(err, io.EOF)

	var lenBuf [4]byte
	for index := uint64(0); ; index++ {
		var next []byte
		if !final {
			next, err = splitter.NextBytes()
			if err != nil && !errors.Is(err, io.EOF) {
				return fmt.Errorf("read plaintext: %w", err)
			}
			final = errors.Is(err, io.EOF)
		}

		sealed := aead.Seal(nil, segmentNonce(prefix, index), cur, segmentAAD(index, final))
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(sealed))) //#nosec G115
		if _, err := w.Write(lenBuf[:]); err != nil {
			return err
		}
		if _, err := w.Write(sealed); err != nil {
			return err
		}
		if final {
			return nil
		}
		cur = next
	}
}

// DecryptStream authenticates and decrypts a stream produced by
// EncryptStream. Plaintext is written segment by segment; on error the bytes
// already written must be discarded by the caller.
func DecryptStream(key ContentKey, ciphertext io.Reader, w io.Writer) error {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return fmt.Errorf("init aead: %w", err)
	}

	r := bufio.NewReader(ciphertext)
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return fmt.Errorf("%w: short header", ErrBadKey)
	}
	if !bytes.Equal(header[:len(streamMagic)], streamMagic[:]) {
		return fmt.Errorf("%w: unknown stream format", ErrBadKey)
	}
	prefix := header[len(streamMagic):]

	var lenBuf [4]byte
	buf := make([]byte, 0, maxSealedSize)
	for index := uint64(0); ; index++ {
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return fmt.Errorf("%w: truncated stream", ErrBadKey)
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		if n < chacha20poly1305.Overhead || n > maxSealedSize {
			return fmt.Errorf("%w: invalid segment length", ErrBadKey)
		}
		buf = buf[:n]
		if _, err := io.ReadFull(r, buf); err != nil {
			return fmt.Errorf("%w: truncated segment", ErrBadKey)
		}

		_, peekErr := r.Peek(1)
		final := errors.Is(peekErr, io.EOF)

		plain, err := aead.Open(buf[:0], segmentNonce(prefix, index), buf, segmentAAD(index, final))
		if err != nil {
			return ErrBadKey
		}
		if _, err := w.Write(plain); err != nil {
			return err
		}
		if final {
			return nil
		}
	}
}

// Encrypt is EncryptStream over an in-memory plaintext.
func Encrypt(key ContentKey, plaintext []byte) ([]byte, error) {
	var out bytes.Buffer
	out.Grow(headerSize + len(plaintext) + (len(plaintext)/SegmentSize+1)*(4+chacha20poly1305.Overhead))
	if err := EncryptStream(key, bytes.NewReader(plaintext), &out); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// Decrypt is DecryptStream over an in-memory ciphertext. No plaintext is
// returned unless the whole stream authenticates.
func Decrypt(key ContentKey, ciphertext []byte) ([]byte, error) {
	var out bytes.Buffer
	if err := DecryptStream(key, bytes.NewReader(ciphertext), &out); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
