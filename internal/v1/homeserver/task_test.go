package homeserver

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"k8s.io/utils/ptr"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testUserID = "@alice:example.org"

type MockCapabilitiesAPI struct {
	mock.Mock
}

func (m *MockCapabilitiesAPI) GetCapabilities(ctx context.Context) (*CapabilitiesResponse, error) {
	args := m.Called(ctx)
	resp, _ := args.Get(0).(*CapabilitiesResponse)
	return resp, args.Error(1)
}

func (m *MockCapabilitiesAPI) GetMediaConfig(ctx context.Context) (*MediaConfig, error) {
	args := m.Called(ctx)
	cfg, _ := args.Get(0).(*MediaConfig)
	return cfg, args.Error(1)
}

func (m *MockCapabilitiesAPI) GetVersions(ctx context.Context) (*Versions, error) {
	args := m.Called(ctx)
	v, _ := args.Get(0).(*Versions)
	return v, args.Error(1)
}

type MockWellKnownResolver struct {
	mock.Mock
}

func (m *MockWellKnownResolver) Resolve(ctx context.Context, userID string) (*WellKnown, error) {
	args := m.Called(ctx, userID)
	wk, _ := args.Get(0).(*WellKnown)
	return wk, args.Error(1)
}

type MockAuthMetadataSource struct {
	mock.Mock
}

func (m *MockAuthMetadataSource) Get(ctx context.Context) (*AuthMetadata, error) {
	args := m.Called(ctx)
	meta, _ := args.Get(0).(*AuthMetadata)
	return meta, args.Error(1)
}

// fakeStore is an in-memory RecordStore.
type fakeStore struct {
	mu       sync.Mutex
	records  map[string]*CapabilitiesRecord
	getErr   error
	writeErr error
	updates  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]*CapabilitiesRecord)}
}

func (s *fakeStore) Get(_ context.Context, userID string) (*CapabilitiesRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	r, ok := s.records[userID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return r.Clone(), nil
}

func (s *fakeStore) Update(_ context.Context, userID string, fn func(*CapabilitiesRecord)) (*CapabilitiesRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return nil, s.writeErr
	}
	r, ok := s.records[userID]
	if !ok {
		r = NewCapabilitiesRecord(userID)
	} else {
		r = r.Clone()
	}
	fn(r)
	s.records[userID] = r
	s.updates++
	return r.Clone(), nil
}

type taskFixture struct {
	api   *MockCapabilitiesAPI
	wk    *MockWellKnownResolver
	meta  *MockAuthMetadataSource
	store *fakeStore
	task  *GetCapabilitiesTask
	now   time.Time
}

func newTaskFixture() *taskFixture {
	f := &taskFixture{
		api:   &MockCapabilitiesAPI{},
		wk:    &MockWellKnownResolver{},
		meta:  &MockAuthMetadataSource{},
		store: newFakeStore(),
		now:   time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC),
	}
	f.task = NewGetCapabilitiesTask(f.api, f.wk, f.meta, f.store, 0)
	f.task.now = func() time.Time { return f.now }
	return f
}

// failingHomeserverAPIs makes every non-account-management source fail.
func (f *taskFixture) failingHomeserverAPIs() {
	f.api.On("GetCapabilities", mock.Anything).Return(nil, errFetch)
	f.api.On("GetMediaConfig", mock.Anything).Return(nil, errFetch)
	f.api.On("GetVersions", mock.Anything).Return(nil, errFetch)
}

func TestExecute_AccountManagementSources(t *testing.T) {
	tests := []struct {
		name            string
		wellKnown       *WellKnown
		wellKnownErr    error
		authMetadata    *AuthMetadata
		authMetadataErr error
		expected        AccountManagement
	}{
		{
			name:            "no delegation and no auth metadata",
			wellKnownErr:    errFetch,
			authMetadataErr: errFetch,
			expected:        AccountManagement{},
		},
		{
			name:            "delegation from well-known only",
			wellKnown:       &WellKnown{HomeserverURL: "https://matrix.example.org", DelegatedAuth: delegationToTest1},
			authMetadataErr: errFetch,
			expected: AccountManagement{
				Issuer: ptr.To("https://test1"),
				URL:    ptr.To("https://test1/account"),
			},
		},
		{
			name:         "auth metadata only",
			wellKnownErr: errFetch,
			authMetadata: authMetadataForTest2,
			expected: AccountManagement{
				Issuer:           ptr.To("https://test2"),
				URL:              ptr.To("https://test2/account"),
				SupportedActions: ptr.To("org.matrix.device_delete,org.matrix.profile"),
			},
		},
		{
			name:         "auth metadata wins over well-known",
			wellKnown:    &WellKnown{HomeserverURL: "https://matrix.example.org", DelegatedAuth: delegationToTest1},
			authMetadata: authMetadataForTest2WithoutAccountManagement,
			expected: AccountManagement{
				Issuer: ptr.To("https://test2"),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newTaskFixture()
			f.failingHomeserverAPIs()
			f.wk.On("Resolve", mock.Anything, testUserID).Return(tt.wellKnown, tt.wellKnownErr)
			f.meta.On("Get", mock.Anything).Return(tt.authMetadata, tt.authMetadataErr)

			record, err := f.task.Execute(context.Background(), testUserID, Params{ForceRefresh: true})
			require.NoError(t, err)

			assert.Equal(t, tt.expected.Issuer, record.AuthenticationIssuer)
			assert.Equal(t, tt.expected.URL, record.ExternalAccountManagementURL)
			assert.Equal(t, tt.expected.SupportedActions, record.ExternalAccountManagementSupportedActions)
			assert.Equal(t, f.now, record.LastUpdated)

			f.api.AssertExpectations(t)
			f.wk.AssertExpectations(t)
			f.meta.AssertExpectations(t)
		})
	}
}

func TestExecute_AppliesHomeserverCapabilities(t *testing.T) {
	f := newTaskFixture()
	f.api.On("GetCapabilities", mock.Anything).Return(&CapabilitiesResponse{
		Capabilities: Capabilities{
			ChangePassword: &BooleanCapability{Enabled: false},
			SetAvatarURL:   &BooleanCapability{Enabled: true},
			RoomVersions: &RoomVersionsCapability{
				Default:   "10",
				Available: map[string]string{"10": "stable", "11": "stable"},
			},
		},
	}, nil)
	f.api.On("GetMediaConfig", mock.Anything).Return(&MediaConfig{UploadSize: ptr.To(int64(50 << 20))}, nil)
	f.api.On("GetVersions", mock.Anything).Return(&Versions{Versions: []string{"v1.10", "v1.11"}}, nil)
	f.wk.On("Resolve", mock.Anything, testUserID).Return(&WellKnown{
		HomeserverURL:     "https://matrix.example.org",
		IdentityServerURL: ptr.To("https://vector.im"),
	}, nil)
	f.meta.On("Get", mock.Anything).Return(nil, errFetch)

	record, err := f.task.Execute(context.Background(), testUserID, Params{})
	require.NoError(t, err)

	assert.False(t, record.CanChangePassword)
	assert.True(t, record.CanChangeDisplayName, "absent capability defaults to enabled")
	assert.True(t, record.CanChangeAvatar)
	assert.True(t, record.CanChange3pid)
	assert.Equal(t, int64(50<<20), record.MaxUploadFileSize)
	assert.Equal(t, ptr.To("10"), record.DefaultRoomVersion)
	assert.Len(t, record.AvailableRoomVersions, 2)
	assert.True(t, record.CanUseAuthenticatedMedia)
	assert.Equal(t, ptr.To("https://vector.im"), record.DefaultIdentityServerURL)
	assert.Nil(t, record.AuthenticationIssuer)
}

func TestExecute_UnknownUploadSize(t *testing.T) {
	f := newTaskFixture()
	f.api.On("GetCapabilities", mock.Anything).Return(nil, errFetch)
	f.api.On("GetMediaConfig", mock.Anything).Return(&MediaConfig{}, nil)
	f.api.On("GetVersions", mock.Anything).Return(&Versions{
		Versions:         []string{"v1.6"},
		UnstableFeatures: map[string]bool{"org.matrix.msc3916.stable": true},
	}, nil)
	f.wk.On("Resolve", mock.Anything, testUserID).Return(nil, errFetch)
	f.meta.On("Get", mock.Anything).Return(nil, errFetch)

	record, err := f.task.Execute(context.Background(), testUserID, Params{})
	require.NoError(t, err)

	assert.Equal(t, MaxUploadFileSizeUnknown, record.MaxUploadFileSize)
	assert.True(t, record.CanUseAuthenticatedMedia)
}

func TestExecute_SkipsFreshRecord(t *testing.T) {
	f := newTaskFixture()
	existing := NewCapabilitiesRecord(testUserID)
	existing.LastUpdated = f.now.Add(-time.Hour)
	existing.AuthenticationIssuer = ptr.To("https://cached")
	f.store.records[testUserID] = existing

	record, err := f.task.Execute(context.Background(), testUserID, Params{})
	require.NoError(t, err)

	assert.Equal(t, ptr.To("https://cached"), record.AuthenticationIssuer)
	assert.Equal(t, 0, f.store.updates)
	f.api.AssertNotCalled(t, "GetCapabilities", mock.Anything)
	f.meta.AssertNotCalled(t, "Get", mock.Anything)
}

func TestExecute_ForceRefreshIgnoresFreshness(t *testing.T) {
	f := newTaskFixture()
	existing := NewCapabilitiesRecord(testUserID)
	existing.LastUpdated = f.now.Add(-time.Minute)
	existing.AuthenticationIssuer = ptr.To("https://cached")
	f.store.records[testUserID] = existing

	f.failingHomeserverAPIs()
	f.wk.On("Resolve", mock.Anything, testUserID).Return(nil, errFetch)
	f.meta.On("Get", mock.Anything).Return(authMetadataForTest2, nil)

	record, err := f.task.Execute(context.Background(), testUserID, Params{ForceRefresh: true})
	require.NoError(t, err)

	assert.Equal(t, ptr.To("https://test2"), record.AuthenticationIssuer)
	assert.Equal(t, 1, f.store.updates)
}

func TestExecute_StaleRecordIsRefreshed(t *testing.T) {
	f := newTaskFixture()
	existing := NewCapabilitiesRecord(testUserID)
	existing.LastUpdated = f.now.Add(-9 * time.Hour)
	f.store.records[testUserID] = existing

	f.failingHomeserverAPIs()
	f.wk.On("Resolve", mock.Anything, testUserID).Return(nil, errFetch)
	f.meta.On("Get", mock.Anything).Return(nil, errFetch)

	record, err := f.task.Execute(context.Background(), testUserID, Params{})
	require.NoError(t, err)
	assert.Equal(t, f.now, record.LastUpdated)
}

func TestExecute_FailedSourcesKeepPreviousValues(t *testing.T) {
	f := newTaskFixture()
	existing := NewCapabilitiesRecord(testUserID)
	existing.CanChangePassword = false
	existing.MaxUploadFileSize = 1024
	existing.CanUseAuthenticatedMedia = true
	existing.DefaultIdentityServerURL = ptr.To("https://id.example.org")
	existing.ExternalAccountManagementURL = ptr.To("https://old/account")
	f.store.records[testUserID] = existing

	f.failingHomeserverAPIs()
	f.wk.On("Resolve", mock.Anything, testUserID).Return(nil, errFetch)
	f.meta.On("Get", mock.Anything).Return(nil, errFetch)

	record, err := f.task.Execute(context.Background(), testUserID, Params{ForceRefresh: true})
	require.NoError(t, err)

	assert.False(t, record.CanChangePassword)
	assert.Equal(t, int64(1024), record.MaxUploadFileSize)
	assert.True(t, record.CanUseAuthenticatedMedia)
	assert.Equal(t, ptr.To("https://id.example.org"), record.DefaultIdentityServerURL)
	assert.Nil(t, record.ExternalAccountManagementURL, "account management fields are always rewritten")
}

func TestExecute_StoreErrors(t *testing.T) {
	storeErr := errors.New("redis down")

	t.Run("read", func(t *testing.T) {
		f := newTaskFixture()
		f.store.getErr = storeErr

		_, err := f.task.Execute(context.Background(), testUserID, Params{})
		assert.ErrorIs(t, err, storeErr)
	})

	t.Run("write", func(t *testing.T) {
		f := newTaskFixture()
		f.store.writeErr = storeErr
		f.failingHomeserverAPIs()
		f.wk.On("Resolve", mock.Anything, testUserID).Return(nil, errFetch)
		f.meta.On("Get", mock.Anything).Return(nil, errFetch)

		_, err := f.task.Execute(context.Background(), testUserID, Params{ForceRefresh: true})
		assert.ErrorIs(t, err, storeErr)
	})
}

func TestNewGetCapabilitiesTask_DefaultInterval(t *testing.T) {
	task := NewGetCapabilitiesTask(nil, nil, nil, nil, 0)
	assert.Equal(t, DefaultMinRefreshInterval, task.minRefresh)

	task = NewGetCapabilitiesTask(nil, nil, nil, nil, time.Minute)
	assert.Equal(t, time.Minute, task.minRefresh)
}
