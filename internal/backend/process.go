package backend

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/junfuture1103/kAFL/internal/bitmap"
)

// status bytes written by the backend after each execution
const (
	statusRegular byte = iota
	statusCrash
	statusTimeout
	statusKasan
)

const payloadHeaderSize = 4

type Options struct {
	Command     []string
	CommPath    string // shared communication file, mapped at fd 3 of the child
	LogPath     string // child stdout and stderr, discarded when empty
	BitmapSize  int
	MaxFileSize int
	Timeout     time.Duration
	Env         []string
}

// ProcessBackend drives a backend subprocess over a shared communication file
// and two control pipes:
//
//	fd 3: coverage counters, then a 4-byte payload length and the payload
//	fd 4: one byte per execution request
//	fd 5: one status byte plus 8 bytes of little-endian nanoseconds per reply
type ProcessBackend struct {
	opts   Options
	logger *zap.Logger

	payload []byte

	// per child state, reset by Shutdown
	cmd      *exec.Cmd
	comm     *os.File
	mem      []byte
	cover    []byte
	input    []byte
	ctrl     *os.File
	status   *os.File
	logFile  *os.File
	exited   chan struct{}
	writebuf [1]byte
	resbuf   [9]byte

	crashed bool
	timeout bool
	kasan   bool
}

func NewProcessBackend(opts Options, logger *zap.Logger) *ProcessBackend {
	return &ProcessBackend{
		opts:   opts,
		logger: logger.Named("backend"),
	}
}

func (b *ProcessBackend) SetPayload(payload []byte) {
	if len(payload) > b.opts.MaxFileSize {
		payload = payload[:b.opts.MaxFileSize]
	}
	b.payload = payload
}

func (b *ProcessBackend) Start() error {
	if b.cmd != nil {
		return nil
	}
	if len(b.opts.Command) == 0 {
		return errors.New("backend command is empty")
	}

	if err := b.mapComm(); err != nil {
		return err
	}

	ctrlR, ctrlW, err := os.Pipe()
	if err != nil {
		b.unmapComm()
		return fmt.Errorf("failed to create control pipe: %w", err)
	}
	statusR, statusW, err := os.Pipe()
	if err != nil {
		ctrlR.Close()
		ctrlW.Close()
		b.unmapComm()
		return fmt.Errorf("failed to create status pipe: %w", err)
	}

	cmd := exec.Command(b.opts.Command[0], b.opts.Command[1:]...)
	cmd.Env = append(os.Environ(), b.opts.Env...)
	cmd.ExtraFiles = []*os.File{b.comm, ctrlR, statusW}
	if b.opts.LogPath != "" {
		logFile, err := os.OpenFile(b.opts.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			b.logger.Warn("failed to open backend log, output discarded", zap.Error(err))
		} else {
			cmd.Stdout = logFile
			cmd.Stderr = logFile
			b.logFile = logFile
		}
	}

	if err := cmd.Start(); err != nil {
		ctrlR.Close()
		ctrlW.Close()
		statusR.Close()
		statusW.Close()
		b.closeLog()
		b.unmapComm()
		return fmt.Errorf("failed to start backend: %w", err)
	}
	// the child holds its own copies now
	ctrlR.Close()
	statusW.Close()

	exited := make(chan struct{})
	go func() {
		err := cmd.Wait()
		b.logger.Debug("backend exited", zap.Error(err))
		close(exited)
	}()

	b.cmd = cmd
	b.ctrl = ctrlW
	b.status = statusR
	b.exited = exited
	b.logger.Info("backend started", zap.String("command", cmd.String()), zap.Int("pid", cmd.Process.Pid))
	return nil
}

func (b *ProcessBackend) mapComm() error {
	size := b.opts.BitmapSize + payloadHeaderSize + b.opts.MaxFileSize
	f, err := os.OpenFile(b.opts.CommPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create comm file: %w", err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return fmt.Errorf("failed to size comm file: %w", err)
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to mmap comm file: %w", err)
	}
	b.comm = f
	b.mem = mem
	b.cover = mem[:b.opts.BitmapSize]
	b.input = mem[b.opts.BitmapSize:]
	return nil
}

func (b *ProcessBackend) unmapComm() {
	if b.mem != nil {
		if err := unix.Munmap(b.mem); err != nil {
			b.logger.Warn("failed to unmap comm file", zap.Error(err))
		}
		b.mem, b.cover, b.input = nil, nil, nil
	}
	if b.comm != nil {
		b.comm.Close()
		b.comm = nil
	}
}

func (b *ProcessBackend) closeLog() {
	if b.logFile != nil {
		b.logFile.Close()
		b.logFile = nil
	}
}

// SendPayload runs the current payload once. A dead or unreachable child
// yields ErrBrokenPipe, a child dying during the execution is a crash.
func (b *ProcessBackend) SendPayload() (*ExecutionResult, error) {
	if b.cmd == nil {
		return nil, fmt.Errorf("%w: backend not running", ErrBrokenPipe)
	}
	b.crashed, b.timeout, b.kasan = false, false, false

	binary.LittleEndian.PutUint32(b.input, uint32(len(b.payload)))
	copy(b.input[payloadHeaderSize:], b.payload)
	clear(b.cover)

	start := time.Now()
	b.writebuf[0] = 1
	if _, err := b.ctrl.Write(b.writebuf[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBrokenPipe, err)
	}

	if b.opts.Timeout > 0 {
		b.status.SetReadDeadline(start.Add(b.opts.Timeout))
	}
	_, err := io.ReadFull(b.status, b.resbuf[:])
	elapsed := time.Since(start)

	result := &ExecutionResult{Performance: elapsed.Seconds()}
	switch {
	case err == nil:
		result.Performance = time.Duration(binary.LittleEndian.Uint64(b.resbuf[1:])).Seconds()
		result.ExitReason = exitReasonOf(b.resbuf[0])
	case errors.Is(err, os.ErrDeadlineExceeded):
		b.logger.Debug("backend timed out, killing it", zap.Duration("elapsed", elapsed))
		b.cmd.Process.Kill()
		result.ExitReason = Timeout
	case errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF):
		result.ExitReason = Crash
	default:
		return nil, fmt.Errorf("%w: %v", ErrBrokenPipe, err)
	}

	switch result.ExitReason {
	case Crash:
		b.crashed = true
	case Timeout:
		b.timeout = true
	case Kasan:
		b.kasan = true
	}
	result.Bitmap = bitmap.ApplyLUT(b.cover)
	return result, nil
}

func exitReasonOf(status byte) ExitReason {
	switch status {
	case statusRegular:
		return Regular
	case statusTimeout:
		return Timeout
	case statusKasan:
		return Kasan
	default:
		return Crash
	}
}

// Shutdown kills the child, waits for it and releases every resource.
// It is safe to call on a stopped backend.
func (b *ProcessBackend) Shutdown() {
	if b.cmd == nil {
		return
	}
	b.cmd.Process.Kill()
	<-b.exited
	b.ctrl.Close()
	b.status.Close()
	b.closeLog()
	b.unmapComm()
	b.cmd, b.ctrl, b.status, b.exited = nil, nil, nil, nil
	b.logger.Debug("backend shut down")
}

func (b *ProcessBackend) Restart() error {
	b.Shutdown()
	return b.Start()
}

// AsyncExit kills the child without waiting. The wait goroutine reaps it.
func (b *ProcessBackend) AsyncExit() {
	if b.cmd == nil || b.cmd.Process == nil {
		return
	}
	b.logger.Info("asking backend to exit")
	b.cmd.Process.Kill()
}

func (b *ProcessBackend) Crashed() bool { return b.crashed }
func (b *ProcessBackend) Timeout() bool { return b.timeout }
func (b *ProcessBackend) Kasan() bool   { return b.kasan }
