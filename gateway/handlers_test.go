package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarancss/ledgerfeed/lib/ledger/types"
)

func makeRequest(t *testing.T, method, uri string) (int, Response) {
	t.Helper()

	req, err := http.NewRequest(method, uri, nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var res Response
	if resp.Header.Get("Content-Type") == "application/json;charset=utf8" {
		require.NoError(t, json.Unmarshal(b, &res), string(b))
	}

	return resp.StatusCode, res
}

func TestAPI(t *testing.T) {
	f := newFixture(t, Options{})
	f.conn.state = types.Disconnected
	url := f.srv.URL

	cases := []struct {
		name, method, uri string
		status            int    // http status code
		errExp            string // error expected
		resExp            string // body expected, compared as JSON
	}{
		{"homePage_1", http.MethodGet, url, http.StatusOK, "", `"Hello, this is your ledger feed!"`},
		{"homePage_2", http.MethodPost, url + "/", http.StatusOK, "", `"Hello, this is your ledger feed!"`},
		{"healthz_0", http.MethodGet, url + "/healthz", http.StatusServiceUnavailable, "", `{"ok":false,"state":"DISCONNECTED"}`},
		{"networks_0", http.MethodPost, url + "/networks", http.StatusMethodNotAllowed, "", ""},
		{"networks_1", http.MethodGet, url + "/networks", http.StatusOK, "", `["other","test"]`},
		{"connect_0", http.MethodGet, url + "/connect?net=test", http.StatusMethodNotAllowed, "", ""},
		{"connect_1", http.MethodPost, url + "/connect", http.StatusBadRequest, ErrMissingNet.Error(), ""},
		{"connect_2", http.MethodPost, url + "/connect?net=test&net=other", http.StatusBadRequest, ErrMissingNet.Error(), ""},
		{"connect_3", http.MethodPost, url + "/connect?net=mainnet", http.StatusBadRequest, ErrNoNet.Error(), ""},
		{"connect_4", http.MethodPost, url + "/connect?net=test", http.StatusAccepted, "", `{"state":"CONNECTED"}`},
		{"connect_5", http.MethodPost, url + "/connect?net=other", http.StatusConflict, "ledger connection is active on another network", ""},
		{"healthz_1", http.MethodGet, url + "/healthz", http.StatusOK, "", `{"ok":true,"state":"CONNECTED"}`},
		{"listen_0", http.MethodGet, url + "/listen/" + addr1, http.StatusBadRequest, ErrBadMethod.Error(), ""},
		{"listen_1", http.MethodPost, url + "/listen/0x357dd3856d856197c1a000bbAb4aBCB97Dfc92c4", http.StatusBadRequest, "invalid account address", ""},
		{"listen_2", http.MethodPost, url + "/listen/" + addr1, http.StatusAccepted, "", ""},
		{"getAdr_0", http.MethodPost, url + "/listen", http.StatusMethodNotAllowed, "", ""},
		{"getAdr_1", http.MethodGet, url + "/listen", http.StatusOK, "", `["` + addr1 + `"]`},
		{"listen_3", http.MethodDelete, url + "/listen/" + addr1, http.StatusAccepted, "", ""},
		{"listen_4", http.MethodDelete, url + "/listen/" + addr1, http.StatusNotFound, "address was not found in store", ""},
		{"getAdr_2", http.MethodGet, url + "/listen", http.StatusOK, "", `[]`},
		{"addrbal_0", http.MethodPost, url + "/address/" + addr1, http.StatusMethodNotAllowed, "", ""},
		{"addrbal_1", http.MethodGet, url + "/address/" + addr1, http.StatusOK, "",
			`{"network":"test","address":"` + addr1 + `","balance":"25000000","sequence":3,"ledgerIndex":80,"cached":true}`},
		{"addrbal_2", http.MethodGet, url + "/address/" + addr3, http.StatusNotFound, "account not found", ""},
		{"ledger_0", http.MethodGet, url + "/ledger", http.StatusServiceUnavailable, ErrUnavailable.Error(), ""},
		{"status_0", http.MethodGet, url + "/status", http.StatusOK, "",
			`{"state":"CONNECTED","network":"test","attempts":0,"subscriptions":[],"sessions":0,"ledger":80}`},
		{"cursor_0", http.MethodGet, url + "/cursor/test", http.StatusMethodNotAllowed, "", ""},
		{"cursor_1", http.MethodDelete, url + "/cursor/mainnet", http.StatusBadRequest, ErrNoNet.Error(), ""},
		{"cursor_2", http.MethodDelete, url + "/cursor/test", http.StatusAccepted, "", ""},
		{"disconnect_0", http.MethodPost, url + "/disconnect", http.StatusAccepted, "", `{"state":"DISCONNECTED"}`},
		{"connect_6", http.MethodPost, url + "/connect?net=other", http.StatusAccepted, "", `{"state":"CONNECTED"}`},
	}

	for _, c := range cases {
		status, res := makeRequest(t, c.method, c.uri)

		assert.Equal(t, c.status, status, c.name)
		assert.Equal(t, c.errExp, res.Error, c.name)

		if c.resExp != "" {
			assert.JSONEq(t, c.resExp, string(res.Body), c.name)
		}
	}

	require.Equal(t, []string{"test"}, f.expl.resetNets())
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, Options{RateLimit: 2, RateWindow: time.Minute})

	for i := 0; i < 2; i++ {
		status, _ := makeRequest(t, http.MethodGet, f.srv.URL+"/networks")
		require.Equal(t, http.StatusOK, status)
	}

	status, res := makeRequest(t, http.MethodGet, f.srv.URL+"/status")
	require.Equal(t, http.StatusTooManyRequests, status)
	require.Equal(t, ErrTooManyRequests.Error(), res.Error)

	// health probes are never limited
	status, _ = makeRequest(t, http.MethodGet, f.srv.URL+"/healthz")
	require.Equal(t, http.StatusOK, status)
}
