package dispatcher

import (
	"encoding/json"
	"fmt"
)

// errorMessage reduces a handler failure to the string carried in an error
// response. The caller never sees the failure's type, only this text, so the
// chain is: an error's message, then a raw string, then the JSON form of the
// value, then its fmt form.
func errorMessage(v any) (msg string) {
	defer func() {
		if r := recover(); r != nil {
			msg = fmt.Sprintf("%T", v)
		}
	}()

	switch e := v.(type) {
	case nil:
		return "unknown error"
	case error:
		return e.Error()
	case string:
		return e
	}
	if data, err := json.Marshal(v); err == nil {
		return string(data)
	}
	return fmt.Sprint(v)
}

func unknownChannel(channel string) string {
	return fmt.Sprintf("unknown channel: %s", channel)
}

func unknownMethod(channel, method string) string {
	return fmt.Sprintf("unknown method: %s.%s", channel, method)
}
