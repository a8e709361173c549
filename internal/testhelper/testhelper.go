// Package testhelper implements code that helps in unit and integration
// testing.  The helpers in this package include verbose logging (with
// colored details) and a local disk storage implementation that mimics
// uploads to cloud object storage.
package testhelper

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

const (
	ANSIGreen  = "\033[00;32m"
	ANSIBlue   = "\033[00;34m"
	ANSIPurple = "\033[00;35m"
	ANSIEnd    = "\033[0m"
)

// ErrForcedUpload is a convenient DiskUploader.Fail value for tests.
var ErrForcedUpload = errors.New("forced upload failure")

// VLogf logs messages in verbose mode (mostly for debugging).  Messages
// are prefixed by "filename:line-number function()" printed in green and
// the message printed in blue for easier visual inspection.
func VLogf(format string, args ...interface{}) {
	pc, file, line, ok := runtime.Caller(1)
	if !ok {
		log.Printf(format, args...)
		return
	}
	details := runtime.FuncForPC(pc)
	if details == nil {
		log.Printf(format, args...)
		return
	}
	file = filepath.Base(file)
	idx := strings.LastIndex(details.Name(), "/")
	if idx == -1 {
		idx = 0
	} else {
		idx++
	}
	a := []interface{}{ANSIGreen, file, line, details.Name()[idx:], ANSIBlue}
	a = append(a, args...)
	log.Printf("%s%s:%d: %s(): %s"+format+"%s", append(a, ANSIEnd)...)
}

// DiskUploader implements a local disk storage that mimics uploads to an
// object store bucket.  Objects are written under Dir/<bucket>/<objPath>.
//
// To force a failure, set Fail to the error the upload should return.
type DiskUploader struct {
	Dir     string
	Bucket  string
	Fail    error
	Uploads []string // object paths uploaded so far
}

// Upload mimics uploading to an object store.
func (d *DiskUploader) Upload(ctx context.Context, objPath string, contents []byte) error {
	fmt.Printf("uploading %d bytes to disk-bucket:%s\n", len(contents), objPath) //nolint:forbidigo
	if d.Fail != nil {
		return d.Fail
	}
	if strings.HasPrefix(objPath, "/") {
		panic("Upload(): object path must be relative")
	}
	file := filepath.Join(d.Dir, d.Bucket, filepath.FromSlash(objPath))
	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		return err //nolint:wrapcheck
	}
	if err := os.WriteFile(file, contents, 0o666); err != nil {
		return err //nolint:wrapcheck
	}
	d.Uploads = append(d.Uploads, objPath)
	return nil
}

// Read returns the contents of an object previously uploaded.
func (d *DiskUploader) Read(objPath string) ([]byte, error) {
	return os.ReadFile(filepath.Join(d.Dir, d.Bucket, filepath.FromSlash(objPath))) //nolint:wrapcheck
}

// URL returns a URL for objPath in the disk bucket.
func (d *DiskUploader) URL(objPath string) string {
	return "disk://" + d.Bucket + "/" + objPath
}
