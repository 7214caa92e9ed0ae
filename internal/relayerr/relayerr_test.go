package relayerr

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[Code]int{
		InvalidRequest:  http.StatusBadRequest,
		AuthError:       http.StatusUnauthorized,
		NotFound:        http.StatusNotFound,
		ConnectionError: http.StatusServiceUnavailable,
		UpstreamTimeout: http.StatusGatewayTimeout,
		Internal:        http.StatusInternalServerError,
	}
	for code, want := range cases {
		assert.Equal(t, want, HTTPStatus(code), "code %s", code)
	}
}

func TestAsBodyWithTypedError(t *testing.T) {
	status, body := AsBody(New(NotFound, "tunnel gone"))
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, NotFound, body.Error)
	assert.Equal(t, "tunnel gone", body.Message)
}

func TestAsBodyWithUntypedErrorCollapsesToInternal(t *testing.T) {
	status, body := AsBody(errors.New("boom"))
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, Internal, body.Error)
}
