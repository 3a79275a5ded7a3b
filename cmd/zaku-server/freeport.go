package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// killPriorPortHolder looks up the process currently listening on port and
// sends it SIGTERM, so --free-port means "vacate the port", matching its
// documented behavior, not "pick a different one". Linux-only (reads
// /proc/net/tcp{,6} and /proc/*/fd); a lookup failure is logged by the
// caller and bind proceeds as if the port were already free.
func killPriorPortHolder(port int) error {
	inode, err := findListeningInode(port)
	if err != nil {
		return fmt.Errorf("looking up listener on port %d: %w", port, err)
	}
	if inode == "" {
		return nil
	}
	pid, err := findPIDByInode(inode)
	if err != nil {
		return fmt.Errorf("looking up pid holding port %d: %w", port, err)
	}
	if pid == 0 {
		return nil
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("killing pid %d holding port %d: %w", pid, port, err)
	}
	time.Sleep(200 * time.Millisecond)
	return nil
}

// findListeningInode scans /proc/net/tcp and /proc/net/tcp6 for a socket in
// LISTEN state bound to port, returning its inode number (as a string, the
// form /proc/*/fd symlinks carry it in) or "" if none is found.
func findListeningInode(port int) (string, error) {
	wantHex := fmt.Sprintf("%04X", port)
	for _, path := range []string{"/proc/net/tcp", "/proc/net/tcp6"} {
		inode, err := scanProcNetTCP(path, wantHex)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return "", err
		}
		if inode != "" {
			return inode, nil
		}
	}
	return "", nil
}

func scanProcNetTCP(path, wantHexPort string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Scan() // header line
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 10 {
			continue
		}
		localAddr := fields[1] // "ADDR:PORT" hex
		state := fields[3]     // "0A" == TCP_LISTEN
		parts := strings.Split(localAddr, ":")
		if len(parts) != 2 {
			continue
		}
		if state == "0A" && strings.EqualFold(parts[1], wantHexPort) {
			return fields[9], nil // inode column
		}
	}
	return "", scanner.Err()
}

// findPIDByInode walks /proc/*/fd looking for a socket:[inode] symlink,
// returning the owning pid or 0 if no process currently holds it (the
// listener may have already exited, or be a different user's process this
// one cannot stat).
func findPIDByInode(inode string) (int, error) {
	target := "socket:[" + inode + "]"
	procEntries, err := os.ReadDir("/proc")
	if err != nil {
		return 0, err
	}
	for _, entry := range procEntries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		fdDir := filepath.Join("/proc", entry.Name(), "fd")
		fds, err := os.ReadDir(fdDir)
		if err != nil {
			continue // permission denied or process gone: skip
		}
		for _, fd := range fds {
			link, err := os.Readlink(filepath.Join(fdDir, fd.Name()))
			if err != nil {
				continue
			}
			if link == target {
				return pid, nil
			}
		}
	}
	return 0, nil
}
