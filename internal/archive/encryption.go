package archive

import (
	"bufio"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// EncryptedExtension is appended to the artifact name when a passphrase is set.
	EncryptedExtension = ".enc"

	encryptionMagic  = "VDBENC01"
	saltSize         = 16
	keySize          = 32
	pbkdf2Iterations = 100000
	defaultChunkSize = 1 << 20
	maxChunkSize     = 64 << 20
)

var (
	// ErrBadPassphrase is returned when a chunk fails authentication.
	ErrBadPassphrase = errors.New("archive: decryption failed, wrong passphrase or corrupted data")
	// ErrNotEncrypted is returned when the input lacks the encryption header.
	ErrNotEncrypted = errors.New("archive: input is not an encrypted artifact")
	// ErrTruncated is returned when the stream ends before the final chunk.
	ErrTruncated = errors.New("archive: encrypted stream is truncated")
)

func deriveKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, keySize, sha256.New)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM cipher: %w", err)
	}
	return gcm, nil
}

func chunkAAD(index uint64, final byte) []byte {
	aad := make([]byte, 9)
	binary.BigEndian.PutUint64(aad, index)
	aad[8] = final
	return aad
}

// Encrypt streams r into w as chunked AES-256-GCM with a PBKDF2-SHA256 key.
func Encrypt(w io.Writer, r io.Reader, passphrase string) error {
	if passphrase == "" {
		return errors.New("archive: empty passphrase")
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}
	gcm, err := newGCM(deriveKey(passphrase, salt))
	if err != nil {
		return err
	}

	header := make([]byte, 0, len(encryptionMagic)+saltSize+4)
	header = append(header, encryptionMagic...)
	header = append(header, salt...)
	header = binary.BigEndian.AppendUint32(header, defaultChunkSize)
	if _, err := w.Write(header); err != nil {
		return err
	}

	buf := make([]byte, defaultChunkSize)
	nonce := make([]byte, gcm.NonceSize())
	var index uint64
	for {
		n, rerr := io.ReadFull(r, buf)
		if rerr != nil && rerr != io.EOF && rerr != io.ErrUnexpectedEOF {
			return rerr
		}
		var final byte
		if rerr != nil {
			final = 1
		}

		if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
			return fmt.Errorf("failed to generate nonce: %w", err)
		}
		sealed := gcm.Seal(nil, nonce, buf[:n], chunkAAD(index, final))

		frame := make([]byte, 0, 1+len(nonce)+4)
		frame = append(frame, final)
		frame = append(frame, nonce...)
		frame = binary.BigEndian.AppendUint32(frame, uint32(len(sealed)))
		if _, err := w.Write(frame); err != nil {
			return err
		}
		if _, err := w.Write(sealed); err != nil {
			return err
		}

		if final == 1 {
			return nil
		}
		index++
	}
}

// Decrypt reverses Encrypt.
func Decrypt(w io.Writer, r io.Reader, passphrase string) error {
	header := make([]byte, len(encryptionMagic)+saltSize+4)
	if _, err := io.ReadFull(r, header); err != nil {
		return ErrNotEncrypted
	}
	if string(header[:len(encryptionMagic)]) != encryptionMagic {
		return ErrNotEncrypted
	}
	salt := header[len(encryptionMagic) : len(encryptionMagic)+saltSize]
	chunkSize := binary.BigEndian.Uint32(header[len(encryptionMagic)+saltSize:])
	if chunkSize == 0 || chunkSize > maxChunkSize {
		return fmt.Errorf("archive: invalid chunk size %d", chunkSize)
	}

	gcm, err := newGCM(deriveKey(passphrase, salt))
	if err != nil {
		return err
	}

	frame := make([]byte, 1+gcm.NonceSize()+4)
	maxSealed := uint32(chunkSize) + uint32(gcm.Overhead())
	var index uint64
	for {
		if _, err := io.ReadFull(r, frame); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return ErrTruncated
			}
			return err
		}
		final := frame[0]
		nonce := frame[1 : 1+gcm.NonceSize()]
		size := binary.BigEndian.Uint32(frame[1+gcm.NonceSize():])
		if final > 1 || size > maxSealed {
			return ErrBadPassphrase
		}

		sealed := make([]byte, size)
		if _, err := io.ReadFull(r, sealed); err != nil {
			return ErrTruncated
		}
		plain, err := gcm.Open(nil, nonce, sealed, chunkAAD(index, final))
		if err != nil {
			return ErrBadPassphrase
		}
		if _, err := w.Write(plain); err != nil {
			return err
		}

		if final == 1 {
			return nil
		}
		index++
	}
}

// EncryptFile encrypts src into a newly created dst.
func EncryptFile(src, dst, passphrase string) error {
	return transformFile(src, dst, func(w io.Writer, r io.Reader) error {
		return Encrypt(w, r, passphrase)
	})
}

// DecryptFile decrypts src into a newly created dst.
func DecryptFile(src, dst, passphrase string) error {
	return transformFile(src, dst, func(w io.Writer, r io.Reader) error {
		return Decrypt(w, r, passphrase)
	})
}

func transformFile(src, dst string, fn func(io.Writer, io.Reader) error) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := CreateExclusive(dst)
	if err != nil {
		return err
	}

	bw := bufio.NewWriter(out)
	if err := fn(bw, bufio.NewReader(in)); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := bw.Flush(); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}
