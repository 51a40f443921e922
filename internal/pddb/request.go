package pddb

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Op tags a Request with the operation it carries.
type Op int

const (
	OpMount Op = iota
	OpUnmount
	OpCreate
	OpResetAttempts
	OpOpenKey
	OpCloseKey
	OpRead
	OpWrite
	OpPut
	OpGet
	OpSync
	OpListKeys
	OpListDictionaries
	OpListBases
	OpDeleteKey
	OpDeleteDictionary
	OpSuspend
	OpResume
	OpStats
	OpFormat
	OpImage
	OpRestoreImage
)

var opNames = [...]string{
	OpMount:            "mount",
	OpUnmount:          "unmount",
	OpCreate:           "create",
	OpResetAttempts:    "reset-attempts",
	OpOpenKey:          "open-key",
	OpCloseKey:         "close-key",
	OpRead:             "read",
	OpWrite:            "write",
	OpPut:              "put",
	OpGet:              "get",
	OpSync:             "sync",
	OpListKeys:         "list-keys",
	OpListDictionaries: "list-dictionaries",
	OpListBases:        "list-bases",
	OpDeleteKey:        "delete-key",
	OpDeleteDictionary: "delete-dictionary",
	OpSuspend:          "suspend",
	OpResume:           "resume",
	OpStats:            "stats",
	OpFormat:           "format",
	OpImage:            "image",
	OpRestoreImage:     "restore-image",
}

func (o Op) String() string {
	if o >= 0 && int(o) < len(opNames) {
		return opNames[o]
	}
	return fmt.Sprintf("op(%d)", int(o))
}

// Request is one message to the database worker. Only the fields the Op
// uses are read.
type Request struct {
	Op       Op
	Basis    string
	Password []byte
	Dict     string
	Key      string
	Handle   uint64
	Offset   uint64
	// Size is the number of bytes a Read asks for.
	Size int
	Data []byte
	Mode WriteMode
	Open OpenOptions
}

type Response struct {
	Outcome PasswordOutcome
	Handle  uint64
	N       int
	Data    []byte
	Names   []string
	Stats   SpaceStats
	// EOF is set when a Read reached the end of the value.
	EOF bool
	Err error
}

type handler func(ctx context.Context, db *DB, r Request) Response

var handlers = [len(opNames)]handler{
	OpMount:            handleMount,
	OpUnmount:          handleUnmount,
	OpCreate:           handleCreate,
	OpResetAttempts:    handleResetAttempts,
	OpOpenKey:          handleOpenKey,
	OpCloseKey:         handleCloseKey,
	OpRead:             handleRead,
	OpWrite:            handleWrite,
	OpPut:              handlePut,
	OpGet:              handleGet,
	OpSync:             handleSync,
	OpListKeys:         handleListKeys,
	OpListDictionaries: handleListDictionaries,
	OpListBases:        handleListBases,
	OpDeleteKey:        handleDeleteKey,
	OpDeleteDictionary: handleDeleteDictionary,
	OpSuspend:          handleSuspend,
	OpResume:           handleResume,
	OpStats:            handleStats,
	OpFormat:           handleFormat,
	OpImage:            handleImage,
	OpRestoreImage:     handleRestoreImage,
}

// Apply runs one request against db on the caller's goroutine.
func (db *DB) Apply(ctx context.Context, r Request) Response {
	if r.Op < 0 || int(r.Op) >= len(handlers) {
		return Response{Err: fmt.Errorf("%w: unknown op %d", ErrInvalidArgument, int(r.Op))}
	}
	return handlers[r.Op](ctx, db, r)
}

func errResponse(err error) Response { return Response{Err: err} }

func handleMount(ctx context.Context, db *DB, r Request) Response {
	out, err := db.Mount(ctx, r.Basis, r.Password)
	return Response{Outcome: out, Err: err}
}

func handleUnmount(ctx context.Context, db *DB, r Request) Response {
	return errResponse(db.Unmount(ctx, r.Basis))
}

func handleCreate(ctx context.Context, db *DB, r Request) Response {
	return errResponse(db.CreateBasis(ctx, r.Basis, r.Password))
}

func handleResetAttempts(_ context.Context, db *DB, r Request) Response {
	db.ResetAttempts(r.Basis)
	return Response{}
}

func handleOpenKey(ctx context.Context, db *DB, r Request) Response {
	h, err := db.OpenKey(ctx, r.Dict, r.Key, r.Open)
	if err != nil {
		return errResponse(err)
	}
	return Response{Handle: h.ID}
}

func handleCloseKey(_ context.Context, db *DB, r Request) Response {
	db.CloseKey(db.handles[r.Handle])
	return Response{}
}

func handleRead(ctx context.Context, db *DB, r Request) Response {
	if r.Size < 0 {
		return errResponse(fmt.Errorf("%w: negative read size", ErrInvalidArgument))
	}
	if uint64(r.Size) > db.maxValue {
		return errResponse(fmt.Errorf("%w: read of %d bytes", ErrTooLarge, r.Size))
	}
	buf := make([]byte, r.Size)
	n, err := db.Read(ctx, db.handles[r.Handle], r.Offset, buf)
	if errors.Is(err, io.EOF) {
		return Response{N: n, Data: buf[:n], EOF: true}
	}
	return Response{N: n, Data: buf[:n], Err: err}
}

func handleWrite(ctx context.Context, db *DB, r Request) Response {
	n, err := db.Write(ctx, db.handles[r.Handle], r.Offset, r.Data, r.Mode)
	return Response{N: n, Err: err}
}

func handlePut(ctx context.Context, db *DB, r Request) Response {
	if err := db.Put(ctx, r.Dict, r.Key, r.Data, r.Mode); err != nil {
		return errResponse(err)
	}
	return Response{N: len(r.Data)}
}

func handleGet(ctx context.Context, db *DB, r Request) Response {
	v, err := db.Get(ctx, r.Dict, r.Key)
	return Response{Data: v, N: len(v), Err: err}
}

func handleSync(ctx context.Context, db *DB, _ Request) Response {
	return errResponse(db.Sync(ctx))
}

func handleListKeys(_ context.Context, db *DB, r Request) Response {
	names, err := db.ListKeys(r.Dict)
	return Response{Names: names, Err: err}
}

func handleListDictionaries(_ context.Context, db *DB, _ Request) Response {
	names, err := db.ListDictionaries()
	return Response{Names: names, Err: err}
}

func handleListBases(_ context.Context, db *DB, _ Request) Response {
	return Response{Names: db.Bases()}
}

func handleDeleteKey(ctx context.Context, db *DB, r Request) Response {
	return errResponse(db.DeleteKey(ctx, r.Dict, r.Key))
}

func handleDeleteDictionary(ctx context.Context, db *DB, r Request) Response {
	return errResponse(db.DeleteDictionary(ctx, r.Dict))
}

func handleSuspend(ctx context.Context, db *DB, _ Request) Response {
	return errResponse(db.Suspend(ctx))
}

func handleResume(_ context.Context, db *DB, _ Request) Response {
	return errResponse(db.Resume())
}

func handleStats(_ context.Context, db *DB, _ Request) Response {
	return Response{Stats: db.Stats()}
}

func handleFormat(ctx context.Context, db *DB, _ Request) Response {
	return errResponse(db.Format(ctx))
}

func handleImage(ctx context.Context, db *DB, _ Request) Response {
	img, err := db.Image(ctx)
	return Response{Data: img, N: len(img), Err: err}
}

func handleRestoreImage(ctx context.Context, db *DB, r Request) Response {
	return errResponse(db.RestoreImage(ctx, r.Data))
}
