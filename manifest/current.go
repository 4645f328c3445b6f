package manifest

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	atomicfile "github.com/natefinch/atomic"
	"github.com/pkg/errors"
)

const currentFileName = "CURRENT"

func manifestFileName(dir string, number uint64) string {
	return filepath.Join(dir, fmt.Sprintf("MANIFEST-%06d", number))
}

// writeCurrent atomically rewrites the CURRENT pointer file to name the
// manifest at manifestNumber, via natefinch/atomic exactly as the teacher
// atomically rewrites its HW checkpoint file.
func writeCurrent(dir string, manifestNumber uint64) error {
	content := fmt.Sprintf("MANIFEST-%06d\n", manifestNumber)
	return atomicfile.WriteFile(filepath.Join(dir, currentFileName), bytes.NewReader([]byte(content)))
}

// Exists reports whether dir already has a CURRENT pointer file, so a
// caller can distinguish "fresh directory" from "existing store" before
// deciding whether create_if_missing permits proceeding (spec §4.6
// `open`).
func Exists(dir string) (bool, error) {
	_, err := os.Stat(filepath.Join(dir, currentFileName))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, errors.Wrap(err, "stat CURRENT")
}

// readCurrent reads the manifest number named by the CURRENT file, or
// returns ok=false if no CURRENT file exists yet (fresh directory).
func readCurrent(dir string) (number uint64, ok bool, err error) {
	data, err := os.ReadFile(filepath.Join(dir, currentFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, errors.Wrap(err, "read CURRENT")
	}
	name := strings.TrimSpace(string(data))
	name = strings.TrimPrefix(name, "MANIFEST-")
	n, err := strconv.ParseUint(name, 10, 64)
	if err != nil {
		return 0, false, errors.Wrapf(err, "parse CURRENT contents %q", name)
	}
	return n, true, nil
}
