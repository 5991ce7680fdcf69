package rss

import (
	"bytes"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"
	"golang.org/x/text/encoding/charmap"
)

// decodeBody gunzips the body if the transport says it is gzipped, then
// coerces it to UTF-8. It never fails.
func decodeBody(body []byte, contentEncoding string, log logrus.FieldLogger) []byte {
	data := body
	if strings.EqualFold(strings.TrimSpace(contentEncoding), "gzip") {
		if out, err := gunzip(body); err != nil {
			log.WithError(err).Warn("Feed contained invalid gzipped data")
		} else {
			data = out
		}
	}
	return toUTF8(data, log)
}

func gunzip(body []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(io.LimitReader(zr, maxBodySize))
}

// toUTF8 tries UTF-8, then ISO-8859-1, then ASCII with replacement.
func toUTF8(data []byte, log logrus.FieldLogger) []byte {
	if utf8.Valid(data) {
		log.Debug("Encoding: UTF-8")
		return data
	}
	if out, err := charmap.ISO8859_1.NewDecoder().Bytes(data); err == nil {
		log.Debug("Encoding: ISO-8859-1")
		return out
	}
	// ISO-8859-1 maps every byte, so this is not reached with the charmap decoder.
	log.Warn("Feed wasn't in UTF-8 or ISO-8859-1, replaced all non-ASCII characters")
	return asciiReplace(data)
}

func asciiReplace(data []byte) []byte {
	var b bytes.Buffer
	b.Grow(len(data))
	for _, c := range data {
		if c < utf8.RuneSelf {
			b.WriteByte(c)
		} else {
			b.WriteRune(utf8.RuneError)
		}
	}
	return b.Bytes()
}
