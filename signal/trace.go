package signal

import (
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/golang/glog"
)

// work that stops on a done context panics with "Done"
func IsDoneError(r any) bool {
	var message string
	switch v := r.(type) {
	case error:
		message = v.Error()
	case string:
		message = v
	default:
		return false
	}
	return message == "Done"
}

// HandleError runs `do` and recovers a panic from it.
// Observer and operation callbacks are user code and run through this,
// so that a failing callback cannot stop a signal goroutine.
// Each handler is either `func()` or `func(error)` and is called on a panic.
func HandleError(do func(), handlers ...any) (r any) {
	defer func() {
		r = recover()
		if r == nil {
			return
		}
		if !IsDoneError(r) {
			glog.Warningf("[signal]recovered = %s\n", ErrorJson(r, debug.Stack()))
		}
		err, ok := r.(error)
		if !ok {
			err = fmt.Errorf("%s", r)
		}
		for _, handler := range handlers {
			switch v := handler.(type) {
			case func():
				v()
			case func(error):
				v(err)
			}
		}
	}()
	do()
	return
}

// a single line json form of a recovered value and its stack
func ErrorJson(r any, stack []byte) string {
	stackLines := []string{}
	for _, line := range strings.Split(string(stack), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			stackLines = append(stackLines, line)
		}
	}
	errorJson, _ := json.Marshal(map[string]any{
		"error": fmt.Sprintf("%T=%s", r, r),
		"stack": stackLines,
	})
	return string(errorJson)
}

// TraceWithReturnError logs the duration and result of `do` under `tag` at verbosity 2.
// Below verbosity 2, `do` runs without logging.
func TraceWithReturnError[R any](tag string, do func() (R, error)) (result R, returnErr error) {
	if !glog.V(2) {
		return do()
	}
	start := time.Now()
	result, returnErr = do()
	millis := float64(time.Since(start)) / float64(time.Millisecond)
	if returnErr != nil {
		glog.Infof("%s (%.2fms) err = %s\n", tag, millis, returnErr)
	} else {
		glog.Infof("%s (%.2fms) = %v\n", tag, millis, result)
	}
	return
}
