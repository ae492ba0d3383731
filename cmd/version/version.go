// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package version

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/peterbourgon/ff/v3/ffcli"
	"golang.org/x/sys/unix"
)

// Set at link time with -ldflags "-X minux.dev/cmd/version.Release=...".
var (
	Release    = "b000"
	CommitHash = "unknown"
	CommitTime = "unknown"
	BuildTime  = "unknown"
)

var executableHash = sync.OnceValue(func() string {
	path, err := os.Executable()
	if err != nil {
		return "unknown"
	}

	f, err := os.Open(path)
	if err != nil {
		return "unknown"
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, bufio.NewReader(io.LimitReader(f, 64<<20))); err != nil {
		return "unknown"
	}
	return hex.EncodeToString(h.Sum(nil))
})

type Command struct {
	flags struct {
		json bool
	}

	ffcli.Command
}

func NewCommand() *ffcli.Command {
	c := new(Command)

	c.Name = "version"
	c.ShortUsage = "minux version [flags]"
	c.ShortHelp = "print minux version and host capabilities"

	c.FlagSet = flag.NewFlagSet("version", flag.ContinueOnError)
	c.FlagSet.BoolVar(&c.flags.json, "json", false, "output in JSON format")

	c.Exec = c.entrypoint
	return &c.Command
}

func (c *Command) entrypoint(ctx context.Context, args []string) error {
	fmt.Printf("%s\n", Full(c.flags.json))
	return nil
}

// Report describes the binary and the host it runs on.
type Report struct {
	Release        string `json:"release"`
	CommitHash     string `json:"commitHash"`
	CommitTime     string `json:"commitTime"`
	BuildTime      string `json:"buildTime"`
	BuildGoVersion string `json:"buildGoVersion"`
	BuildOS        string `json:"buildOS"`
	BuildArch      string `json:"buildArch"`
	ExecutableHash string `json:"executableHash"`
	KernelName     string `json:"kernelName"`
	KernelVersion  string `json:"kernelVersion"`
	KernelArch     string `json:"kernelArch"`
	UID            int    `json:"uid"`
	GID            int    `json:"gid"`
	EffectiveCaps  string `json:"effectiveCaps"`
	BindPrivileged bool   `json:"bindPrivileged"`
}

func cstr(b []byte) string {
	if end := bytes.IndexByte(b, 0); end != -1 {
		return string(b[:end])
	}
	return string(b)
}

func Collect() *Report {
	r := &Report{
		Release:        Release,
		CommitHash:     CommitHash,
		CommitTime:     CommitTime,
		BuildTime:      BuildTime,
		BuildGoVersion: "unknown",
		BuildOS:        "unknown",
		BuildArch:      "unknown",
		ExecutableHash: executableHash(),
		KernelName:     "Unknown",
		KernelVersion:  "unknown",
		KernelArch:     "unknown",
		UID:            os.Geteuid(),
		GID:            os.Getgid(),
		EffectiveCaps:  GetEffectiveCaps(),
		BindPrivileged: CanBindPrivileged(),
	}

	if info, ok := debug.ReadBuildInfo(); ok {
		r.BuildGoVersion = info.GoVersion
		for _, s := range info.Settings {
			switch s.Key {
			case "GOOS":
				r.BuildOS = s.Value
			case "GOARCH":
				r.BuildArch = s.Value
			}
		}
	}

	var buf unix.Utsname
	if err := unix.Uname(&buf); err == nil {
		r.KernelName = cstr(buf.Sysname[:])
		r.KernelVersion = cstr(buf.Release[:])
		r.KernelArch = cstr(buf.Machine[:])
	}
	return r
}

func Full(isJSON bool) string {
	r := Collect()

	b := new(bytes.Buffer)
	if isJSON {
		enc := json.NewEncoder(b)
		enc.SetIndent("", "  ")
		enc.Encode(r)
		return b.String()
	}

	privileged := "denied"
	if r.BindPrivileged {
		privileged = "allowed"
	}

	fmt.Fprintf(b, "%s\n", r.Release)
	fmt.Fprintf(b, "  commit %s at %s\n", r.CommitHash, r.CommitTime)
	fmt.Fprintf(b, "  built with %s %s/%s at %s hash %s\n", r.BuildGoVersion, r.BuildOS, r.BuildArch, r.BuildTime, r.ExecutableHash)
	fmt.Fprintf(b, "  kernel %s %s on %s\n", r.KernelName, r.KernelVersion, r.KernelArch)
	fmt.Fprintf(b, "  running on %s/%s with uid %d gid %d\n", runtime.GOOS, runtime.GOARCH, r.UID, r.GID)
	fmt.Fprintf(b, "  effective caps %s\n", r.EffectiveCaps)
	fmt.Fprintf(b, "  privileged ports %s", privileged)
	return b.String()
}
