package fuse

import (
	"runtime/debug"
	"syscall"
	"time"

	"github.com/marmos91/dhtfs/internal/logger"
	"github.com/marmos91/dhtfs/pkg/dispatch"
)

// errnoByCode maps dispatcher error codes to the errno returned to the kernel.
var errnoByCode = map[dispatch.ErrorCode]syscall.Errno{
	dispatch.ErrNotFound:         syscall.ENOENT,
	dispatch.ErrAlreadyExists:    syscall.EEXIST,
	dispatch.ErrPermissionDenied: syscall.EPERM,
	dispatch.ErrNotSupported:     syscall.ENOTSUP,
	dispatch.ErrIOFailure:        syscall.EIO,
	dispatch.ErrNotEmpty:         syscall.ENOTEMPTY,
	dispatch.ErrIsDirectory:      syscall.EISDIR,
	dispatch.ErrNotDirectory:     syscall.ENOTDIR,
	dispatch.ErrInvalidArgument:  syscall.EINVAL,
}

// toErrno translates a dispatcher error. Anything unexpected becomes EIO.
func toErrno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	if errno, ok := errnoByCode[dispatch.CodeOf(err)]; ok {
		return errno
	}
	return syscall.EIO
}

// statusLabel names an errno for the operation metrics. Success is "".
func statusLabel(errno syscall.Errno) string {
	switch errno {
	case 0:
		return ""
	case syscall.ENOENT:
		return "not_found"
	case syscall.EEXIST:
		return "already_exists"
	case syscall.EPERM:
		return "permission_denied"
	case syscall.ENOTSUP:
		return "not_supported"
	case syscall.ENOTEMPTY:
		return "not_empty"
	case syscall.EISDIR:
		return "is_directory"
	case syscall.ENOTDIR:
		return "not_directory"
	case syscall.EINVAL:
		return "invalid_argument"
	default:
		return "io_failure"
	}
}

// finish closes a callback started with begin. It is deferred directly so
// that it can recover a panic raised by the callback and turn it into EIO.
func (fsys *fileSystem) finish(op, p string, start time.Time, errno *syscall.Errno) {
	if r := recover(); r != nil {
		logger.Error("PANIC in %s: path='%s' panic=%v\n%s", op, p, r, debug.Stack())
		*errno = syscall.EIO
	}

	fsys.metrics.RecordOperationEnd(op)
	fsys.metrics.RecordOperation(op, time.Since(start), statusLabel(*errno))

	if *errno != 0 && *errno != syscall.ENOENT {
		logger.Debug("FUSE %s: path='%s' errno=%v", op, p, *errno)
	}
}
