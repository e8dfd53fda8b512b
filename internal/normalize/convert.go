package normalize

import (
	"bytes"
	"compress/zlib"
	"encoding/base64"
	"io"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/condor-spider/internal/spider"
)

const (
	matchPrefix = "MATCH_EXP_JOB_"
	rawSuffix   = "_RAW"
)

var wmcoreExceptionMessage = regexp.MustCompile(`^Chirp_WMCore_[A-Za-z0-9]+_Exception_Message$`)

// canonicalName strips the match prefix and raw-units suffix.
func canonicalName(key string) string {
	if key == "DESIRED_SITES" {
		return "DESIRED_Sites"
	}
	key = strings.TrimPrefix(key, matchPrefix)
	return strings.TrimSuffix(key, rawSuffix)
}

// convertFields copies every non-dropped attribute of ad into doc, converted
// to its declared kind. Attributes whose canonical name differs from the raw
// name are applied last so that match-derived and raw-unit values win.
func (e *Engine) convertFields(ad spider.RawAd, doc spider.Document) {
	var renamed []string
	for _, key := range ad.Keys() {
		if canonicalName(key) != key {
			renamed = append(renamed, key)
			continue
		}
		e.convertField(ad, key, doc)
	}
	for _, key := range renamed {
		e.convertField(ad, key, doc)
	}
}

func (e *Engine) convertField(ad spider.RawAd, key string, doc spider.Document) {
	spec := Lookup(key)
	if spec.Drop {
		return
	}
	if strings.HasPrefix(key, "HasBeen") && spec.Kind != KindBool {
		return
	}
	raw, _ := ad.Get(key)
	name := canonicalName(key)
	value := e.convertValue(key, spec.Kind, raw)
	if wmcoreExceptionMessage.MatchString(name) {
		if s, ok := value.(string); ok {
			value = decodeCompressed(s)
		}
	}
	doc[name] = value
}

func (e *Engine) convertValue(key string, kind Kind, raw any) any {
	if raw == nil {
		return nil
	}
	switch kind {
	case KindBool:
		if b, ok := spider.AsBool(raw); ok {
			return b
		}
		return nil
	case KindInt:
		if n, ok := spider.AsInt(raw); ok {
			return n
		}
		if !isUnknown(raw) {
			e.logger.Debug("integer field not convertible", zap.String("field", key), zap.Any("value", raw))
		}
		return nil
	case KindDate:
		if isUnknown(raw) {
			return nil
		}
		n, ok := spider.AsInt(raw)
		if !ok || n == 0 {
			return nil
		}
		return n
	default:
		return spider.AsString(raw)
	}
}

func isUnknown(v any) bool {
	s, ok := v.(string)
	return ok && strings.EqualFold(strings.TrimSpace(s), "unknown")
}

// decodeCompressed unpacks a base64 zlib payload, returning the input when it
// is not one.
func decodeCompressed(s string) string {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return s
	}
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return s
	}
	defer func() { _ = zr.Close() }()
	out, err := io.ReadAll(zr)
	if err != nil {
		return s
	}
	return string(out)
}
