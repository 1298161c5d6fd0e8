package homeserver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/RoseWrightdev/matrix-capabilities/internal/v1/logging"
	"github.com/RoseWrightdev/matrix-capabilities/internal/v1/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"k8s.io/utils/ptr"
)

// DefaultMinRefreshInterval is how long a stored record is trusted without ForceRefresh.
const DefaultMinRefreshInterval = 8 * time.Hour

// Params controls a single refresh.
type Params struct {
	ForceRefresh bool
}

// GetCapabilitiesTask refreshes the persisted capabilities record of a user.
type GetCapabilitiesTask struct {
	api          CapabilitiesAPI
	wellKnown    WellKnownResolver
	authMetadata AuthMetadataSource
	store        RecordStore
	minRefresh   time.Duration
	now          func() time.Time
	tracer       trace.Tracer
}

// NewGetCapabilitiesTask wires the task. A non-positive minRefresh uses DefaultMinRefreshInterval.
func NewGetCapabilitiesTask(api CapabilitiesAPI, wellKnown WellKnownResolver, authMetadata AuthMetadataSource, store RecordStore, minRefresh time.Duration) *GetCapabilitiesTask {
	if minRefresh <= 0 {
		minRefresh = DefaultMinRefreshInterval
	}
	return &GetCapabilitiesTask{
		api:          api,
		wellKnown:    wellKnown,
		authMetadata: authMetadata,
		store:        store,
		minRefresh:   minRefresh,
		now:          time.Now,
		tracer:       otel.Tracer("github.com/RoseWrightdev/matrix-capabilities/internal/v1/homeserver"),
	}
}

// fetchResults collects every source of a refresh. Each pair is independent; an error means
// "no data" for that source.
type fetchResults struct {
	capabilities    *CapabilitiesResponse
	capabilitiesErr error
	mediaConfig     *MediaConfig
	mediaConfigErr  error
	versions        *Versions
	versionsErr     error
	wellKnown       *WellKnown
	wellKnownErr    error
	authMetadata    *AuthMetadata
	authMetadataErr error
}

// Execute refreshes userID's record unless it is still fresh and ForceRefresh is false.
// Failures of individual sources are logged and skipped; only store errors are returned.
func (t *GetCapabilitiesTask) Execute(ctx context.Context, userID string, params Params) (*CapabilitiesRecord, error) {
	ctx, span := t.tracer.Start(ctx, "homeserver.refresh_capabilities",
		trace.WithAttributes(attribute.Bool("force_refresh", params.ForceRefresh)))
	defer span.End()

	existing, err := t.store.Get(ctx, userID)
	if err != nil && !errors.Is(err, ErrRecordNotFound) {
		metrics.RefreshTotal.WithLabelValues("failed").Inc()
		span.SetStatus(codes.Error, "store read failed")
		return nil, fmt.Errorf("failed to load capabilities record: %w", err)
	}

	if !params.ForceRefresh && existing.IsFresh(t.now(), t.minRefresh) {
		metrics.RefreshTotal.WithLabelValues("skipped").Inc()
		span.SetAttributes(attribute.Bool("skipped", true))
		logging.Debug(ctx, "Capabilities record is fresh, skipping refresh", zap.Time("lastUpdated", existing.LastUpdated))
		return existing, nil
	}

	start := time.Now()
	results := t.fetchAll(ctx, userID)
	t.logFailures(ctx, results)

	account, source := MergeAccountManagement(results.authMetadata, results.authMetadataErr, delegatedAuth(results.wellKnown), results.wellKnownErr)
	metrics.AccountManagementSource.WithLabelValues(string(source)).Inc()
	span.SetAttributes(attribute.String("account_management_source", string(source)))

	now := t.now()
	record, err := t.store.Update(ctx, userID, func(r *CapabilitiesRecord) {
		results.applyTo(r)
		account.ApplyTo(r)
		r.LastUpdated = now
	})
	metrics.RefreshDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.RefreshTotal.WithLabelValues("failed").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "store write failed")
		return nil, fmt.Errorf("failed to store capabilities record: %w", err)
	}

	metrics.RefreshTotal.WithLabelValues("refreshed").Inc()
	logging.Info(ctx, "Homeserver capabilities refreshed",
		zap.String("accountManagementSource", string(source)),
		zap.Bool("delegatedAuth", record.AuthenticationIssuer != nil))
	return record, nil
}

// fetchAll queries every source concurrently and waits for all of them.
func (t *GetCapabilitiesTask) fetchAll(ctx context.Context, userID string) *fetchResults {
	var (
		res fetchResults
		wg  sync.WaitGroup
	)

	wg.Add(5)
	go func() {
		defer wg.Done()
		res.capabilities, res.capabilitiesErr = t.api.GetCapabilities(ctx)
	}()
	go func() {
		defer wg.Done()
		res.mediaConfig, res.mediaConfigErr = t.api.GetMediaConfig(ctx)
	}()
	go func() {
		defer wg.Done()
		res.versions, res.versionsErr = t.api.GetVersions(ctx)
	}()
	go func() {
		defer wg.Done()
		res.wellKnown, res.wellKnownErr = t.wellKnown.Resolve(ctx, userID)
	}()
	go func() {
		defer wg.Done()
		res.authMetadata, res.authMetadataErr = t.authMetadata.Get(ctx)
	}()
	wg.Wait()

	return &res
}

func (t *GetCapabilitiesTask) logFailures(ctx context.Context, res *fetchResults) {
	sources := []struct {
		name string
		err  error
	}{
		{"capabilities", res.capabilitiesErr},
		{"media_config", res.mediaConfigErr},
		{"versions", res.versionsErr},
		{"well_known", res.wellKnownErr},
		{"auth_metadata", res.authMetadataErr},
	}
	for _, s := range sources {
		if s.err != nil {
			metrics.CapabilitySourceResults.WithLabelValues(s.name, "error").Inc()
			logging.Warn(ctx, "Capability source unavailable", zap.String("source", s.name), zap.Error(s.err))
			continue
		}
		metrics.CapabilitySourceResults.WithLabelValues(s.name, "success").Inc()
	}
}

// applyTo copies the non-account-management sources into r. A failed source leaves the
// previously stored values untouched.
func (res *fetchResults) applyTo(r *CapabilitiesRecord) {
	if res.capabilitiesErr == nil && res.capabilities != nil {
		caps := res.capabilities.Capabilities
		r.CanChangePassword = enabledOrDefault(caps.ChangePassword)
		r.CanChangeDisplayName = enabledOrDefault(caps.SetDisplayName)
		r.CanChangeAvatar = enabledOrDefault(caps.SetAvatarURL)
		r.CanChange3pid = enabledOrDefault(caps.ThreePidChange)
		if caps.RoomVersions != nil {
			r.DefaultRoomVersion = ptr.To(caps.RoomVersions.Default)
			r.AvailableRoomVersions = caps.RoomVersions.Available
		} else {
			r.DefaultRoomVersion = nil
			r.AvailableRoomVersions = nil
		}
	}

	if res.mediaConfigErr == nil && res.mediaConfig != nil {
		r.MaxUploadFileSize = ptr.Deref(res.mediaConfig.UploadSize, MaxUploadFileSizeUnknown)
	}

	if res.versionsErr == nil && res.versions != nil {
		r.CanUseAuthenticatedMedia = res.versions.SupportsAuthenticatedMedia()
	}

	if res.wellKnownErr == nil && res.wellKnown != nil {
		r.DefaultIdentityServerURL = res.wellKnown.IdentityServerURL
	}
}

func delegatedAuth(wk *WellKnown) *DelegatedAuthConfig {
	if wk == nil {
		return nil
	}
	return wk.DelegatedAuth
}
