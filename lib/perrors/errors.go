// Package perrors collects the small set of typed sentinel errors that
// cross subsystem boundaries in pvtsync, replacing the exception-based
// control flow of the original implementation (see spec §7, §9).
package perrors

import "errors"

var (
	// ErrBusy is returned by a soft-lock acquisition that timed out; the
	// caller must self-reschedule rather than block.
	ErrBusy = errors.New("busy: soft lock timed out")

	// ErrEventConflicted is returned when a local event's last_event_id
	// no longer matches the chain head.
	ErrEventConflicted = errors.New("event conflicts with current chain head")

	// ErrEventAlreadyAdded is returned by eventdb's CreateFile when the
	// relative path is already tracked by another file record.
	ErrEventAlreadyAdded = errors.New("event already added")

	// ErrAlreadyPatched is returned by Rsync.AcceptPatch when the target
	// file already has the patch's new hash.
	ErrAlreadyPatched = errors.New("file already patched")

	// ErrFileNotFound is returned when an operation references a
	// FileRecord or path that does not exist.
	ErrFileNotFound = errors.New("file not found")

	// ErrAccessDenied is returned when a filesystem operation fails due
	// to permissions; it is never retried automatically.
	ErrAccessDenied = errors.New("access denied")

	// ErrWrongFileID is returned when an authoritative events_file_id
	// does not match what the local record carries.
	ErrWrongFileID = errors.New("events_file_id mismatch")

	// ErrCopyDoesNotExist is returned when a Copies Store lookup misses.
	ErrCopyDoesNotExist = errors.New("copy does not exist")

	// ErrPatchDoesNotExist is returned when a Patches Store lookup misses.
	ErrPatchDoesNotExist = errors.New("patch does not exist")

	// ErrWrongHash is returned when reconstructed content does not
	// match its expected content hash.
	ErrWrongHash = errors.New("reconstructed content hash mismatch")

	// ErrSyncFolderMissing is the sentinel fatal error that shuts down
	// all subsystems when the sync root itself has disappeared.
	ErrSyncFolderMissing = errors.New("sync folder is missing")

	// ErrNoDiskSpace is surfaced from the pipeline and download manager
	// when free space is insufficient for the operation at hand.
	ErrNoDiskSpace = errors.New("insufficient disk space")

	// ErrTaskCancelled is returned by a download task aborted before
	// completion.
	ErrTaskCancelled = errors.New("download task cancelled")

	// ErrUserNodeMismatch is returned by the server's event-commit
	// protocol when a proposed last_event_id is no longer the chain
	// head; the caller must reload the chain, re-run conflict
	// resolution, and retry the registration.
	ErrUserNodeMismatch = errors.New("user node mismatch: chain head moved")
)
