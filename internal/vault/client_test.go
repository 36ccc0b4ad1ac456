package vault

import (
	"errors"
	"net/http"
	"testing"

	"github.com/hashicorp/vault/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCredentialsFromData(t *testing.T) {
	tests := []struct {
		name    string
		data    map[string]interface{}
		want    *Credentials
		wantErr bool
	}{
		{
			name: "kv v1",
			data: map[string]interface{}{"username": "backup", "password": "pw", "database": "admin"},
			want: &Credentials{Username: "backup", Password: "pw", Database: "admin"},
		},
		{
			name: "kv v2",
			data: map[string]interface{}{
				"data":     map[string]interface{}{"username": "backup", "password": "pw"},
				"metadata": map[string]interface{}{"version": 3},
			},
			want: &Credentials{Username: "backup", Password: "pw"},
		},
		{
			name:    "missing username",
			data:    map[string]interface{}{"password": "pw"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := credentialsFromData(tt.data)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClassifyRenewError(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		recoverable bool
	}{
		{"bad request", &api.ResponseError{StatusCode: http.StatusBadRequest}, true},
		{"forbidden", &api.ResponseError{StatusCode: http.StatusForbidden}, true},
		{"not renewable message", errors.New("lease is not renewable"), true},
		{"server error", &api.ResponseError{StatusCode: http.StatusInternalServerError}, false},
		{"network", errors.New("connection reset by peer"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			classified := classifyRenewError(tt.err)
			assert.Equal(t, tt.recoverable, classified.IsRecoverable())
		})
	}
}

func TestNewAPIClient(t *testing.T) {
	client, err := NewAPIClient("http://127.0.0.1:8200", "s.token")
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:8200", client.client.Address())
	assert.Equal(t, "s.token", client.client.Token())
}
