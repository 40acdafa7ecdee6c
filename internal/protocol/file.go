package protocol

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// MaxFileSize is the largest file the sender will put on the wire.
const MaxFileSize = 5 * 1024 * 1024

var ErrFileTooLarge = errors.New("file exceeds the 5MB limit")

// NewFile builds a File envelope carrying data as a base64 data URL. An
// empty fileType is sniffed from the content.
func NewFile(id, fileName, fileType string, data []byte, timestamp, nickname string) (File, error) {
	if len(data) > MaxFileSize {
		return File{}, fmt.Errorf("%w: %s is %d bytes", ErrFileTooLarge, fileName, len(data))
	}
	if fileType == "" {
		fileType = http.DetectContentType(data)
	}
	return File{
		ID:        id,
		FileName:  fileName,
		FileType:  fileType,
		FileSize:  int64(len(data)),
		FileData:  "data:" + fileType + ";base64," + base64.StdEncoding.EncodeToString(data),
		Timestamp: timestamp,
		Nickname:  nickname,
	}, nil
}

// Bytes decodes the inline file content. Plain base64 without a data URL
// prefix is accepted too.
func (f File) Bytes() ([]byte, error) {
	raw := f.FileData
	if strings.HasPrefix(raw, "data:") {
		i := strings.Index(raw, ",")
		if i < 0 {
			return nil, fmt.Errorf("%w: data url without comma", ErrMalformed)
		}
		raw = raw[i+1:]
	}
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: file data: %v", ErrMalformed, err)
	}
	return data, nil
}
