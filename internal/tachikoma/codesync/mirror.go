package codesync

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/bdobrica/Tachikoma/internal/tachikoma/backend"
	"github.com/bdobrica/Tachikoma/internal/tachikoma/procgroup"
)

// syncMirror copies the tree as files: attributes preserved, deletions
// propagated, no repository semantics. The transfer summary is parsed so
// callers learn how much actually moved.
func (e *Engine) syncMirror(ctx context.Context, g *procgroup.Group, host backend.Host, d Descriptor) (*Result, error) {
	me, ok := host.(backend.MirrorEndpoint)
	if !ok {
		return nil, errors.New("backend " + host.Backend() + " offers no mirror transport")
	}
	target, transport, err := me.MirrorTarget(d.RemotePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve mirror target: %w", err)
	}

	argv := mirrorArgv(d, target, transport)
	res, err := g.Run(ctx, procgroup.Command{Argv: argv, Timeout: d.Timeout})
	if err != nil {
		return nil, err
	}
	// 24 is "source files vanished during transfer", routine when syncing
	// a live work tree.
	if res.ExitCode != 0 && res.ExitCode != 24 {
		return nil, fmt.Errorf("rsync exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}

	files, bytes := parseTransferStats(res.Stdout)
	e.log.Info("mirror sync completed",
		"host", host.Name(), "direction", d.Direction, "files", files, "bytes", bytes)
	return &Result{FilesTransferred: files, BytesTransferred: bytes}, nil
}

// mirrorArgv builds the rsync invocation: archive mode for attributes,
// --delete for delete-awareness, --stats for the parsable summary.
// Includes go before excludes so include rules win the first-match
// evaluation.
func mirrorArgv(d Descriptor, target string, transport []string) []string {
	argv := []string{"rsync", "-a", "--delete", "--stats"}
	argv = append(argv, transport...)
	for _, p := range d.Include {
		argv = append(argv, "--include="+p)
	}
	for _, p := range d.Exclude {
		argv = append(argv, "--exclude="+p)
	}
	if d.Direction == DirectionPush {
		return append(argv, withSlash(d.LocalPath), target)
	}
	return append(argv, withSlash(target), d.LocalPath)
}

// withSlash makes the path a contents spec: rsync copies what is inside
// the directory rather than the directory itself.
func withSlash(p string) string {
	return strings.TrimRight(p, "/") + "/"
}

// parseTransferStats extracts the file and byte counts from an rsync
// --stats summary. Both the current label ("Number of regular files
// transferred") and the one older releases print ("Number of files
// transferred") are understood; counts may carry thousands separators.
func parseTransferStats(out string) (files int, bytes int64) {
	for _, line := range strings.Split(out, "\n") {
		label, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(label) {
		case "Number of regular files transferred", "Number of files transferred":
			files = int(parseStatNumber(value))
		case "Total transferred file size":
			bytes = parseStatNumber(strings.TrimSuffix(value, " bytes"))
		}
	}
	return files, bytes
}

func parseStatNumber(s string) int64 {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
