// Command gssdsim is a stand-in for the user-space GSS daemon. It attaches
// to a drpc upcall pipe node, answers every upcall with a context minted
// from a fixed session key, and keeps serving until interrupted.
//
// It is a development and test tool: no ticket acquisition happens, the
// session key is supplied on the command line.
package main

import (
	"encoding/binary"
	"encoding/hex"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/marmos91/drpc/internal/gss"
	"github.com/marmos91/drpc/internal/gss/gsstest"
	"github.com/marmos91/drpc/internal/logger"
)

func main() {
	pipePath := flag.String("pipe", "", "path to the upcall pipe node (the gssd socket)")
	keyHex := flag.String("key", "", "session key as hex (32 bytes for aes256-cts)")
	enctype := flag.Uint("enctype", 18, "Kerberos enctype of the session key")
	timeout := flag.Uint("timeout", 3600, "context lifetime in seconds")
	window := flag.Uint("window", 128, "sequence window to advertise")
	deny := flag.Int("deny", 0, "answer every upcall with this errno instead of a context")
	legacy := flag.Bool("legacy", false, "parse upcalls as the v0 binary format")
	flag.Parse()

	if err := run(*pipePath, *keyHex, uint32(*enctype), uint32(*timeout), uint32(*window), int32(*deny), *legacy); err != nil {
		fmt.Fprintf(os.Stderr, "gssdsim: %v\n", err)
		os.Exit(1)
	}
}

func run(pipePath, keyHex string, enctype, timeout, window uint32, deny int32, legacy bool) error {
	if pipePath == "" {
		return fmt.Errorf("-pipe is required")
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return fmt.Errorf("decode -key: %w", err)
	}
	if deny == 0 && len(key) == 0 {
		return fmt.Errorf("-key is required unless -deny is set")
	}

	conn, err := net.Dial("unix", pipePath)
	if err != nil {
		return fmt.Errorf("attach to pipe: %w", err)
	}
	defer conn.Close()
	logger.Info("attached to %s", pipePath)

	for {
		upcall, err := gss.ReadFrame(conn, 128)
		if err != nil {
			return fmt.Errorf("read upcall: %w", err)
		}

		uid, err := parseUID(upcall, legacy)
		if err != nil {
			logger.Warn("unparseable upcall: %v", err)
			continue
		}
		logger.Info("upcall for uid %d", uid)

		var downcall []byte
		if deny != 0 {
			downcall = gsstest.EncodeErrorDowncall(uid, -deny)
		} else {
			blob := contextBlob(enctype, key)
			wireCtx := []byte(fmt.Sprintf("ctx-%d", uid))
			downcall = gsstest.EncodeDowncall(uid, timeout, window, wireCtx, blob)
		}
		if err := gss.WriteFrame(conn, downcall); err != nil {
			return fmt.Errorf("write downcall: %w", err)
		}
	}
}

// parseUID extracts the uid from an upcall: the "uid=" field of a v1 text
// line, or a native-endian u32 for the legacy binary format.
func parseUID(upcall []byte, legacy bool) (uint32, error) {
	if legacy {
		if len(upcall) != 4 {
			return 0, fmt.Errorf("v0 upcall of %d bytes", len(upcall))
		}
		return binary.NativeEndian.Uint32(upcall), nil
	}

	for _, field := range strings.Fields(string(upcall)) {
		if value, ok := strings.CutPrefix(field, "uid="); ok {
			uid, err := strconv.ParseUint(value, 10, 32)
			if err != nil {
				return 0, fmt.Errorf("bad uid field %q: %w", field, err)
			}
			return uint32(uid), nil
		}
	}
	return 0, fmt.Errorf("no uid field in %q", string(upcall))
}

// contextBlob serializes a krb5 provider context: version, enctype, key.
func contextBlob(enctype uint32, key []byte) []byte {
	blob := make([]byte, 0, 12+len(key))
	blob = binary.NativeEndian.AppendUint32(blob, 1)
	blob = binary.NativeEndian.AppendUint32(blob, enctype)
	blob = binary.NativeEndian.AppendUint32(blob, uint32(len(key)))
	return append(blob, key...)
}
