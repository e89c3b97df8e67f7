package backend

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// DefaultErrorMessage отдается пользователю, если бэкенд не прислал своего сообщения
const DefaultErrorMessage = "Something went wrong; please try again later."

// APIError - неуспешный HTTP-ответ бэкенда
type APIError struct {
	StatusCode int
	Message    string
	Path       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend %s returned %d: %s", e.Path, e.StatusCode, e.Message)
}

// Temporary - 5xx и 429 имеет смысл повторять, 4xx нет
func (e *APIError) Temporary() bool {
	return e.StatusCode >= http.StatusInternalServerError || e.StatusCode == http.StatusTooManyRequests
}

type ThrottleError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}

func (e *ThrottleError) Unwrap() error { return e.Cause }

// UserMessage достает из ошибки текст, пригодный для показа пользователю
func UserMessage(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return DefaultErrorMessage
}

// isPermanent - ошибка клиента (4xx, кроме 429): повтор ничего не даст
func isPermanent(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && !apiErr.Temporary()
}

// IsUnavailable - бэкенд отрезан предохранителем, запрос не отправлялся
func IsUnavailable(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
