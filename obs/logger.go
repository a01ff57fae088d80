// Package obs provides the field-map logging shape
// shambharkar-siddhant-LockServer/internal/obs/logger.go uses
// (Info/Error taking a message plus a map of fields) over Encore's
// rlog sink instead of a hand-rolled one, since every service in this
// tree already runs inside Encore and gets request-correlated,
// JSON-structured logging from rlog for free.
package obs

import "encore.dev/rlog"

// Info logs msg at info level with fields attached as key/value pairs.
func Info(msg string, fields map[string]interface{}) {
	rlog.Info(msg, flatten(fields)...)
}

// Error logs msg at error level with fields attached as key/value pairs.
// If err is non-nil it is appended under the "error" key, matching
// rlog's own convention for wrapped errors.
func Error(msg string, err error, fields map[string]interface{}) {
	kvs := flatten(fields)
	if err != nil {
		kvs = append(kvs, "error", err)
	}
	rlog.Error(msg, kvs...)
}

func flatten(fields map[string]interface{}) []interface{} {
	kvs := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		kvs = append(kvs, k, v)
	}
	return kvs
}
