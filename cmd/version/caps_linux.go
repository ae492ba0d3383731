// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package version

import (
	"fmt"

	"golang.org/x/sys/unix"
)

const capNetBindService = 10

func effectiveMask() (uint64, bool) {
	hdr := unix.CapUserHeader{Version: unix.LINUX_CAPABILITY_VERSION_3}
	var data [2]unix.CapUserData
	if err := unix.Capget(&hdr, &data[0]); err != nil {
		return 0, false
	}
	return (uint64(data[1].Effective) << 32) | (uint64(data[0].Effective) << 0), true
}

// CanBindPrivileged reports whether the process may listen on ports below
// 1024, which the proxy and DNS redirector usually need.
func CanBindPrivileged() bool {
	if unix.Geteuid() == 0 {
		return true
	}
	mask, ok := effectiveMask()
	return ok && mask&(1<<capNetBindService) != 0
}

func GetEffectiveCaps() string {
	effectiveCaps := "unknown"
	if mask, ok := effectiveMask(); ok {
		effectiveCaps = fmt.Sprintf("0x%016x", mask)
		for shift, name := range capNames {
			if mask&(1<<shift) != 0 {
				effectiveCaps += fmt.Sprintf(" +%s", name)
			} else {
				effectiveCaps += fmt.Sprintf(" -%s", name)
			}
		}
	}

	return effectiveCaps
}

// capNames is indexed by capability number, see capabilities(7).
var capNames = []string{
	"chown", "dac_override", "dac_read_search", "fowner", "fsetid", "kill",
	"setgid", "setuid", "setpcap", "linux_immutable", "net_bind_service",
	"net_broadcast", "net_admin", "net_raw", "ipc_lock", "ipc_owner",
	"sys_module", "sys_rawio", "sys_chroot", "sys_ptrace", "sys_pacct",
	"sys_admin", "sys_boot", "sys_nice", "sys_resource", "sys_time",
	"sys_tty_config", "mknod", "lease", "audit_write", "audit_control",
	"setfcap", "mac_override", "mac_admin", "syslog", "wake_alarm",
	"block_suspend", "audit_read", "perfmon", "bpf", "checkpoint_restore",
}
