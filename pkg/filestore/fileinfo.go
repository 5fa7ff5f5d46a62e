package filestore

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const Extension = ".gz"

// FileInfo describes one object named <file_type>.<unix_millis>.gz.
type FileInfo struct {
	Key       string
	FileType  string
	Timestamp time.Time
	Size      int64
}

func ParseFileInfo(key string) (FileInfo, error) {
	trimmed, ok := strings.CutSuffix(key, Extension)
	if !ok {
		return FileInfo{}, fmt.Errorf("file %q: missing %s extension", key, Extension)
	}
	dot := strings.LastIndexByte(trimmed, '.')
	if dot <= 0 || dot == len(trimmed)-1 {
		return FileInfo{}, fmt.Errorf("file %q: expected <type>.<millis>%s", key, Extension)
	}
	millis, err := strconv.ParseInt(trimmed[dot+1:], 10, 64)
	if err != nil || millis < 0 {
		return FileInfo{}, fmt.Errorf("file %q: bad timestamp", key)
	}
	return FileInfo{
		Key:       key,
		FileType:  trimmed[:dot],
		Timestamp: time.UnixMilli(millis).UTC(),
	}, nil
}

func FileName(fileType string, ts time.Time) string {
	return fmt.Sprintf("%s.%d%s", fileType, ts.UnixMilli(), Extension)
}
