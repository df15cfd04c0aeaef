package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
)

// 帧格式: len(4) + crc32(4) + payload
const (
	headerSize      = 8
	defaultFilePerm = 0o644
)

// 防止坏数据把内存吃爆
const DefaultMaxPayload = 4 << 20

var (
	ErrCorruptHeader    = errors.New("wal: corrupt header")
	ErrCorruptPayload   = errors.New("wal: corrupt payload")
	ErrChecksumMismatch = errors.New("wal: checksum mismatch")
	ErrPayloadTooLarge  = errors.New("wal: payload too large")
	ErrClosed           = errors.New("wal: writer closed")
)

type Options struct {
	BufferSize int
	// Sync 为 true 时 Flush 会 fsync
	Sync bool
}

// Writer 追加写，非并发安全，由单个协程持有
type Writer struct {
	f    *os.File
	bw   *bufio.Writer
	sync bool
	// 逻辑偏移，包含还在 bufio 里的数据
	off int64
}

// OpenWrite 打开或创建日志文件；尾部如果有半写的记录会先截掉
func OpenWrite(path string, opts Options) (*Writer, error) {
	st, err := Replay(path, ReplayOptions{AllowTruncatedTail: true}, func([]byte) error { return nil })
	if err != nil {
		return nil, fmt.Errorf("wal: scan %s: %w", path, err)
	}
	if st.TruncatedTail {
		if err := TruncateTo(path, st.LastGoodOffset); err != nil {
			return nil, err
		}
	}

	size := opts.BufferSize
	if size <= 0 {
		size = 1 << 20
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, defaultFilePerm)
	if err != nil {
		return nil, err
	}
	stat, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	return &Writer{
		f:    file,
		bw:   bufio.NewWriterSize(file, size),
		sync: opts.Sync,
		off:  stat.Size(),
	}, nil
}

func (w *Writer) Append(payload []byte) error {
	if w.f == nil {
		return ErrClosed
	}
	if len(payload) > DefaultMaxPayload {
		return ErrPayloadTooLarge
	}
	var hdr [headerSize]byte
	binary.LittleEndian.PutUint32(hdr[:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(hdr[4:], crc32.ChecksumIEEE(payload))
	if _, err := w.bw.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := w.bw.Write(payload); err != nil {
		return err
	}
	w.off += int64(headerSize + len(payload))
	return nil
}

func (w *Writer) Offset() int64 { return w.off }

func (w *Writer) Flush() error {
	if w.f == nil {
		return ErrClosed
	}
	if err := w.bw.Flush(); err != nil {
		return err
	}
	if w.sync {
		return w.f.Sync()
	}
	return nil
}

func (w *Writer) Close() error {
	if w.f == nil {
		return nil
	}
	f := w.f
	w.f = nil
	if err := w.bw.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

type ReplayOptions struct {
	MaxPayload int
	// 最后一条记录半写时当作正常结束
	AllowTruncatedTail bool
}

type ReplayStats struct {
	Records        int
	LastGoodOffset int64
	TruncatedTail  bool
}

// Replay 顺序读出每条记录；文件不存在视为空
func Replay(path string, opts ReplayOptions, onRecord func(payload []byte) error) (ReplayStats, error) {
	var st ReplayStats
	maxPayload := opts.MaxPayload
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return st, nil
		}
		return st, err
	}
	defer f.Close()

	br := bufio.NewReaderSize(f, 1<<20)
	var hdr [headerSize]byte
	for {
		if _, err := io.ReadFull(br, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return st, nil
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				st.TruncatedTail = true
				if opts.AllowTruncatedTail {
					return st, nil
				}
				return st, ErrCorruptHeader
			}
			return st, err
		}

		ln := int(binary.LittleEndian.Uint32(hdr[0:4]))
		crc := binary.LittleEndian.Uint32(hdr[4:8])
		if ln > maxPayload {
			return st, ErrPayloadTooLarge
		}

		payload := make([]byte, ln)
		if _, err := io.ReadFull(br, payload); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				st.TruncatedTail = true
				if opts.AllowTruncatedTail {
					return st, nil
				}
				return st, ErrCorruptPayload
			}
			return st, err
		}
		if crc32.ChecksumIEEE(payload) != crc {
			return st, ErrChecksumMismatch
		}
		if err := onRecord(payload); err != nil {
			return st, err
		}
		st.Records++
		st.LastGoodOffset += int64(headerSize + ln)
	}
}

// TruncateTo 修复用：把文件截断到最后一条完整记录
func TruncateTo(path string, offset int64) error {
	if offset < 0 {
		return fmt.Errorf("wal: negative truncate offset %d", offset)
	}
	st, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if offset >= st.Size() {
		return nil
	}
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := f.Truncate(offset); err != nil {
		return err
	}
	_ = f.Sync()
	return nil
}
