package stellar

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewFundedAccount(t *testing.T) {
	var got string
	ok := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		got = req.FormValue("addr")
		if !ok {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
		}
	}))
	defer srv.Close()

	defer func(u string) { FriendbotURL = u }(FriendbotURL)
	FriendbotURL = srv.URL + "/"

	kp, err := NewFundedAccount(srv.Client())
	require.NoError(t, err)
	require.Equal(t, kp.Address(), got)

	ok = false
	_, err = NewFundedAccount(srv.Client())
	require.Error(t, err)
}
