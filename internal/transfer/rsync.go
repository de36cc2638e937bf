package transfer

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// chmodMask grants owner and group read/write (and execute where already
// executable) and strips all access for others, matching the delivery
// permission policy.
const chmodMask = "ug+rwX,o-rwx"

// Rsync synchronizes exactly the files named in the request's file list from
// the staging root to a local or remote destination.
type Rsync struct {
	// RemoteUser and RemoteHost, when set, turn the destination into a
	// user@host:path remote spec.
	RemoteUser string
	RemoteHost string

	log zerolog.Logger
	run commandRunner
}

// NewRsync creates the rsync-backed Backend.
func NewRsync(log zerolog.Logger) *Rsync {
	return &Rsync{log: log, run: runLogged}
}

// Transfer implements Backend.
func (r *Rsync) Transfer(ctx context.Context, req Request) (Record, error) {
	dest := req.Destination
	if r.RemoteHost != "" {
		if r.RemoteUser != "" {
			dest = fmt.Sprintf("%s@%s:%s", r.RemoteUser, r.RemoteHost, req.Destination)
		} else {
			dest = fmt.Sprintf("%s:%s", r.RemoteHost, req.Destination)
		}
	}
	args := []string{
		"--files-from=" + req.FileList,
		"--copy-links",
		"--recursive",
		"--perms",
		"--chmod=" + chmodMask,
		"--verbose",
		"--exclude=*rsync.out",
		"--exclude=*rsync.err",
		req.SourceDir + "/",
		dest,
	}
	r.log.Debug().Strs("args", args).Msg("invoking rsync")
	if _, err := r.run(ctx, req.LogPrefix, "rsync", args...); err != nil {
		return Record{OK: false, LogPath: req.LogPrefix + ".err"}, err
	}
	return Record{OK: true, LogPath: req.LogPrefix + ".out"}, nil
}
