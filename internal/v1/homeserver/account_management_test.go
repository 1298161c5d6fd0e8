package homeserver

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"k8s.io/utils/ptr"
)

var (
	delegationToTest1 = &DelegatedAuthConfig{
		Issuer:               "https://test1",
		AccountManagementURL: ptr.To("https://test1/account"),
	}

	authMetadataForTest2 = &AuthMetadata{
		Issuer:                            "https://test2",
		AccountManagementURI:              ptr.To("https://test2/account"),
		AccountManagementActionsSupported: []string{"org.matrix.device_delete", "org.matrix.profile"},
	}

	authMetadataForTest2WithoutAccountManagement = &AuthMetadata{
		Issuer: "https://test2",
	}

	errFetch = errors.New("fetch failed")
)

func TestMergeAccountManagement(t *testing.T) {
	tests := []struct {
		name      string
		meta      *AuthMetadata
		metaErr   error
		legacy    *DelegatedAuthConfig
		legacyErr error
		expected  AccountManagement
		source    Source
	}{
		{
			name:      "both sources fail",
			metaErr:   errFetch,
			legacyErr: errFetch,
			expected:  AccountManagement{},
			source:    SourceNone,
		},
		{
			name:    "well-known only",
			metaErr: errFetch,
			legacy:  delegationToTest1,
			expected: AccountManagement{
				Issuer: ptr.To("https://test1"),
				URL:    ptr.To("https://test1/account"),
			},
			source: SourceWellKnown,
		},
		{
			name: "auth metadata only",
			meta: authMetadataForTest2,
			expected: AccountManagement{
				Issuer:           ptr.To("https://test2"),
				URL:              ptr.To("https://test2/account"),
				SupportedActions: ptr.To("org.matrix.device_delete,org.matrix.profile"),
			},
			source: SourceAuthMetadata,
		},
		{
			name:   "auth metadata is authoritative even for empty fields",
			meta:   authMetadataForTest2WithoutAccountManagement,
			legacy: delegationToTest1,
			expected: AccountManagement{
				Issuer: ptr.To("https://test2"),
			},
			source: SourceAuthMetadata,
		},
		{
			name:     "auth metadata absent without error and no delegation",
			expected: AccountManagement{},
			source:   SourceNone,
		},
		{
			name:    "auth metadata error falls back even if a value came with it",
			meta:    authMetadataForTest2,
			metaErr: errFetch,
			legacy:  delegationToTest1,
			expected: AccountManagement{
				Issuer: ptr.To("https://test1"),
				URL:    ptr.To("https://test1/account"),
			},
			source: SourceWellKnown,
		},
		{
			name: "empty action list is kept as empty string",
			meta: &AuthMetadata{
				Issuer:                            "https://test2",
				AccountManagementActionsSupported: []string{},
			},
			expected: AccountManagement{
				Issuer:           ptr.To("https://test2"),
				SupportedActions: ptr.To(""),
			},
			source: SourceAuthMetadata,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, source := MergeAccountManagement(tt.meta, tt.metaErr, tt.legacy, tt.legacyErr)
			assert.Equal(t, tt.expected, got)
			assert.Equal(t, tt.source, source)
		})
	}
}

func TestAccountManagement_ApplyToOverwrites(t *testing.T) {
	record := NewCapabilitiesRecord("@alice:example.org")
	record.AuthenticationIssuer = ptr.To("https://old")
	record.ExternalAccountManagementURL = ptr.To("https://old/account")
	record.ExternalAccountManagementSupportedActions = ptr.To("session_end")

	AccountManagement{Issuer: ptr.To("https://new")}.ApplyTo(record)

	assert.Equal(t, ptr.To("https://new"), record.AuthenticationIssuer)
	assert.Nil(t, record.ExternalAccountManagementURL)
	assert.Nil(t, record.ExternalAccountManagementSupportedActions)
}
