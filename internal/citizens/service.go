package citizens

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var tracer = otel.Tracer("citizens")

var (
	// ErrUnknownCitizen indicates no citizen is stored under the identifier or handle.
	ErrUnknownCitizen = errors.New("citizens: unknown citizen")

	errMissingDatabase              = errors.New("database handle is required")
	errMissingOrganizationDirectory = errors.New("organization directory is required")
	errMissingCitizenDirectory      = errors.New("citizen directory is required")
	noOpLogger                      = zap.NewNop()
)

// ServiceError carries a stable "operation.reason" code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew    = "citizens.service.new"
	opEnsureCitizen = "citizens.ensure_citizen"
	opLoadCitizen   = "citizens.load_citizen"
	opRefresh       = "citizens.refresh"
	opApplySnapshot = "citizens.apply_snapshot"

	fieldCitizenID       = "citizen_id"
	fieldHandle          = "handle"
	fieldOrganizationSID = "organization_sid"

	queryID              = "id = ?"
	queryHandle          = "handle = ?"
	queryOrganizationSID = "organization_sid = ?"
	orderIDAsc           = "id ASC"

	reasonMissingDatabase       = "missing_database"
	reasonMissingDirectory      = "missing_directory"
	reasonMissingIDProvider     = "missing_id_provider"
	reasonInvalidSnapshot       = "invalid_snapshot"
	reasonUnknownCitizen        = "unknown_citizen"
	reasonQueryFailed           = "query_failed"
	reasonIDGenerationFailed    = "id_generation_failed"
	reasonCitizenInsertFailed   = "citizen_insert_failed"
	reasonDirectoryFailed       = "directory_failed"
	reasonNotInDirectory        = "citizen_not_in_directory"
	reasonOrganizationUpsert    = "organization_upsert_failed"
	reasonReconcileFailed       = "reconcile_failed"
	reasonMembershipWriteFailed = "membership_write_failed"
	reasonCitizenUpdateFailed   = "citizen_update_failed"
	reasonAuditInsertFailed     = "audit_insert_failed"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// OrganizationDirectory resolves the authoritative display record of an organization.
type OrganizationDirectory interface {
	OrganizationInfo(ctx context.Context, sid string) (OrganizationInfo, error)
}

// CitizenDirectory fetches the current snapshot of a citizen.
type CitizenDirectory interface {
	CitizenInfo(ctx context.Context, handle Handle) (Snapshot, error)
}

// ServiceConfig describes the dependencies of the citizen service.
type ServiceConfig struct {
	Database      *gorm.DB
	Clock         func() time.Time
	IDProvider    IDProvider
	Organizations OrganizationDirectory
	Citizens      CitizenDirectory
	Notifier      Notifier
	Logger        *zap.Logger
}

// Service refreshes citizens from the directory and persists the outcome.
// Callers must serialize refreshes of the same citizen.
type Service struct {
	db            *gorm.DB
	clock         func() time.Time
	idProvider    IDProvider
	organizations OrganizationDirectory
	citizens      CitizenDirectory
	notifier      Notifier
	logger        *zap.Logger
}

// NewService validates the configuration and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, reasonMissingIDProvider, errMissingIDProvider)
	}
	if cfg.Organizations == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDirectory, errMissingOrganizationDirectory)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	notifier := cfg.Notifier
	if notifier == nil {
		notifier = nopNotifier{}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:            cfg.Database,
		clock:         clock,
		idProvider:    cfg.IDProvider,
		organizations: cfg.Organizations,
		citizens:      cfg.Citizens,
		notifier:      notifier,
		logger:        logger,
	}, nil
}

// EnsureCitizen returns the citizen stored under handle, creating it when absent.
func (s *Service) EnsureCitizen(ctx context.Context, handle Handle) (Citizen, error) {
	var citizen Citizen
	err := s.db.WithContext(ctx).Where(queryHandle, handle.String()).Take(&citizen).Error
	if err == nil {
		return citizen, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		s.logError(opEnsureCitizen, reasonQueryFailed, err, zap.String(fieldHandle, handle.String()))
		return Citizen{}, newServiceError(opEnsureCitizen, reasonQueryFailed, err)
	}

	citizenID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opEnsureCitizen, reasonIDGenerationFailed, err, zap.String(fieldHandle, handle.String()))
		return Citizen{}, newServiceError(opEnsureCitizen, reasonIDGenerationFailed, err)
	}
	citizen = Citizen{ID: citizenID, Handle: handle.String()}
	result := s.db.WithContext(ctx).
		Omit(clause.Associations).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "handle"}}, DoNothing: true}).
		Create(&citizen)
	if result.Error != nil {
		s.logError(opEnsureCitizen, reasonCitizenInsertFailed, result.Error, zap.String(fieldHandle, handle.String()))
		return Citizen{}, newServiceError(opEnsureCitizen, reasonCitizenInsertFailed, result.Error)
	}
	if result.RowsAffected == 0 {
		// Lost the race against a concurrent insert of the same handle.
		if err := s.db.WithContext(ctx).Where(queryHandle, handle.String()).Take(&citizen).Error; err != nil {
			s.logError(opEnsureCitizen, reasonQueryFailed, err, zap.String(fieldHandle, handle.String()))
			return Citizen{}, newServiceError(opEnsureCitizen, reasonQueryFailed, err)
		}
		return citizen, nil
	}

	s.logger.Info("citizen registered",
		zap.String(fieldCitizenID, citizen.ID),
		zap.String(fieldHandle, citizen.Handle))
	return citizen, nil
}

// Citizen loads a citizen with its memberships and their organizations.
func (s *Service) Citizen(ctx context.Context, citizenID CitizenID) (Citizen, error) {
	citizen, err := loadCitizen(s.db.WithContext(ctx), citizenID, false)
	if err != nil {
		return Citizen{}, s.wrapLoadError(opLoadCitizen, citizenID, err)
	}
	return citizen, nil
}

// CitizenByHandle loads a citizen by its directory handle.
func (s *Service) CitizenByHandle(ctx context.Context, handle Handle) (Citizen, error) {
	var citizen Citizen
	err := s.db.WithContext(ctx).Where(queryHandle, handle.String()).Take(&citizen).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Citizen{}, newServiceError(opLoadCitizen, reasonUnknownCitizen, ErrUnknownCitizen)
	}
	if err != nil {
		s.logError(opLoadCitizen, reasonQueryFailed, err, zap.String(fieldHandle, handle.String()))
		return Citizen{}, newServiceError(opLoadCitizen, reasonQueryFailed, err)
	}
	return s.Citizen(ctx, CitizenID(citizen.ID))
}

// Refresh fetches the citizen's snapshot from the directory and applies it.
func (s *Service) Refresh(ctx context.Context, citizenID CitizenID) (ChangeSet, error) {
	if s.citizens == nil {
		return ChangeSet{}, newServiceError(opRefresh, reasonMissingDirectory, errMissingCitizenDirectory)
	}

	var citizen Citizen
	err := s.db.WithContext(ctx).Where(queryID, citizenID.String()).Take(&citizen).Error
	if err != nil {
		return ChangeSet{}, s.wrapLoadError(opRefresh, citizenID, err)
	}

	snapshot, err := s.citizens.CitizenInfo(ctx, Handle(citizen.Handle))
	if errors.Is(err, ErrCitizenNotFound) {
		s.logger.Info("citizen missing from directory",
			zap.String(fieldCitizenID, citizen.ID),
			zap.String(fieldHandle, citizen.Handle))
		return ChangeSet{}, newServiceError(opRefresh, reasonNotInDirectory, err)
	}
	if err != nil {
		s.logError(opRefresh, reasonDirectoryFailed, err,
			zap.String(fieldCitizenID, citizen.ID),
			zap.String(fieldHandle, citizen.Handle))
		return ChangeSet{}, newServiceError(opRefresh, reasonDirectoryFailed, err)
	}

	return s.ApplySnapshot(ctx, citizenID, snapshot)
}

// ApplySnapshot reconciles the stored citizen against snapshot in a single
// transaction, then publishes notifications for the committed outcome.
func (s *Service) ApplySnapshot(ctx context.Context, citizenID CitizenID, snapshot Snapshot) (ChangeSet, error) {
	ctx, span := tracer.Start(ctx, "citizens.Service.ApplySnapshot",
		trace.WithAttributes(
			attribute.String(fieldCitizenID, citizenID.String()),
			attribute.Int("snapshot.organizations", len(snapshot.Organizations)),
		))
	defer span.End()

	if err := snapshot.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, reasonInvalidSnapshot)
		return ChangeSet{}, newServiceError(opApplySnapshot, reasonInvalidSnapshot, err)
	}

	sids := snapshot.DistinctSIDs()
	infos := s.resolveOrganizationInfos(ctx, sids)
	refreshedAt := s.clock().UTC()

	var changes ChangeSet
	transactionError := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		organizations, created, err := s.upsertOrganizations(transaction, sids, infos)
		if err != nil {
			return err
		}

		citizen, err := loadCitizen(transaction, citizenID, true)
		if err != nil {
			return s.wrapLoadError(opApplySnapshot, citizenID, err)
		}

		changes, err = Reconcile(ReconcileInput{
			Citizen:       citizen,
			Snapshot:      snapshot,
			Organizations: organizations,
			IDProvider:    s.idProvider,
			RefreshedAt:   refreshedAt,
		})
		if err != nil {
			s.logError(opApplySnapshot, reasonReconcileFailed, err, zap.String(fieldCitizenID, citizenID.String()))
			return newServiceError(opApplySnapshot, reasonReconcileFailed, err)
		}
		changes.OrganizationsCreated = created

		return s.applyChanges(transaction, citizen, changes, refreshedAt)
	})
	if transactionError != nil {
		span.RecordError(transactionError)
		span.SetStatus(codes.Error, "refresh failed")
		return ChangeSet{}, transactionError
	}

	summary := changes.Summary()
	span.SetAttributes(
		attribute.Int("changes.organizations_created", summary.OrganizationsCreated),
		attribute.Int("changes.memberships_created", summary.MembershipsCreated),
		attribute.Int("changes.memberships_updated", summary.MembershipsUpdated),
		attribute.Int("changes.memberships_deleted", summary.MembershipsDeleted),
	)
	s.logger.Info("citizen refreshed",
		zap.String(fieldCitizenID, citizenID.String()),
		zap.Int("organizations_created", summary.OrganizationsCreated),
		zap.Int("memberships_created", summary.MembershipsCreated),
		zap.Int("memberships_updated", summary.MembershipsUpdated),
		zap.Int("memberships_deleted", summary.MembershipsDeleted))

	s.publish(ctx, changes, snapshot, refreshedAt)
	return changes, nil
}

// resolveOrganizationInfos looks sids up one by one. A failed lookup leaves the
// sid out of the result so stored display fields are kept.
func (s *Service) resolveOrganizationInfos(ctx context.Context, sids []string) map[string]OrganizationInfo {
	infos := make(map[string]OrganizationInfo, len(sids))
	for _, sid := range sids {
		if _, ok := infos[sid]; ok {
			continue
		}
		info, err := s.organizations.OrganizationInfo(ctx, sid)
		if errors.Is(err, ErrOrganizationNotFound) {
			s.logger.Info("organization missing from directory", zap.String(fieldOrganizationSID, sid))
			continue
		}
		if err != nil {
			s.logger.Warn("organization lookup failed",
				zap.String(fieldOrganizationSID, sid),
				zap.Error(err))
			continue
		}
		infos[sid] = info
	}
	return infos
}

func (s *Service) upsertOrganizations(transaction *gorm.DB, sids []string, infos map[string]OrganizationInfo) (map[string]Organization, []Organization, error) {
	organizations := make(map[string]Organization, len(sids))
	created := make([]Organization, 0)
	for _, sid := range sids {
		info, hasInfo := infos[sid]

		var organization Organization
		err := transaction.Where(queryOrganizationSID, sid).Take(&organization).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			organizationID, idErr := s.idProvider.NewID()
			if idErr != nil {
				s.logError(opApplySnapshot, reasonIDGenerationFailed, idErr, zap.String(fieldOrganizationSID, sid))
				return nil, nil, newServiceError(opApplySnapshot, reasonIDGenerationFailed, idErr)
			}
			organization = Organization{ID: organizationID, OrganizationSID: sid}
			if hasInfo {
				organization.Name = info.Name
				organization.AvatarURL = info.AvatarURL
			}
			result := transaction.
				Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "organization_sid"}}, DoNothing: true}).
				Create(&organization)
			if result.Error != nil {
				s.logError(opApplySnapshot, reasonOrganizationUpsert, result.Error, zap.String(fieldOrganizationSID, sid))
				return nil, nil, newServiceError(opApplySnapshot, reasonOrganizationUpsert, result.Error)
			}
			if result.RowsAffected == 0 {
				// A concurrent refresh created the sid first; use its row.
				organization = Organization{}
				if err := transaction.Where(queryOrganizationSID, sid).Take(&organization).Error; err != nil {
					s.logError(opApplySnapshot, reasonOrganizationUpsert, err, zap.String(fieldOrganizationSID, sid))
					return nil, nil, newServiceError(opApplySnapshot, reasonOrganizationUpsert, err)
				}
			} else {
				created = append(created, organization)
				organizations[sid] = organization
				continue
			}
		case err != nil:
			s.logError(opApplySnapshot, reasonQueryFailed, err, zap.String(fieldOrganizationSID, sid))
			return nil, nil, newServiceError(opApplySnapshot, reasonQueryFailed, err)
		}

		if hasInfo && (organization.Name != info.Name || organization.AvatarURL != info.AvatarURL) {
			err := transaction.Model(&Organization{}).
				Where(queryID, organization.ID).
				Updates(map[string]interface{}{
					"name":       info.Name,
					"avatar_url": info.AvatarURL,
				}).Error
			if err != nil {
				s.logError(opApplySnapshot, reasonOrganizationUpsert, err, zap.String(fieldOrganizationSID, sid))
				return nil, nil, newServiceError(opApplySnapshot, reasonOrganizationUpsert, err)
			}
			organization.Name = info.Name
			organization.AvatarURL = info.AvatarURL
		}
		organizations[sid] = organization
	}
	return organizations, created, nil
}

func (s *Service) applyChanges(transaction *gorm.DB, previous Citizen, changes ChangeSet, appliedAt time.Time) error {
	citizenID := changes.Citizen.ID
	previousRanks := make(map[string]int, len(previous.Memberships))
	for _, membership := range previous.Memberships {
		previousRanks[membership.ID] = membership.Rank
	}

	if len(changes.MembershipsDeleted) > 0 {
		ids := make([]string, 0, len(changes.MembershipsDeleted))
		for _, membership := range changes.MembershipsDeleted {
			ids = append(ids, membership.ID)
		}
		if err := transaction.Where("id IN ?", ids).Delete(&Membership{}).Error; err != nil {
			s.logError(opApplySnapshot, reasonMembershipWriteFailed, err, zap.String(fieldCitizenID, citizenID))
			return newServiceError(opApplySnapshot, reasonMembershipWriteFailed, err)
		}
	}

	for index := range changes.MembershipsCreated {
		membership := changes.MembershipsCreated[index]
		membership.Organization = nil
		if err := transaction.Omit(clause.Associations).Create(&membership).Error; err != nil {
			s.logError(opApplySnapshot, reasonMembershipWriteFailed, err,
				zap.String(fieldCitizenID, citizenID),
				zap.String(fieldOrganizationSID, membership.OrganizationSID))
			return newServiceError(opApplySnapshot, reasonMembershipWriteFailed, err)
		}
	}

	for _, membership := range changes.MembershipsUpdated {
		err := transaction.Model(&Membership{}).
			Where(queryID, membership.ID).
			Updates(map[string]interface{}{
				"organization_id":  membership.OrganizationID,
				"organization_sid": membership.OrganizationSID,
				"rank":             membership.Rank,
				"rank_name":        membership.RankName,
			}).Error
		if err != nil {
			s.logError(opApplySnapshot, reasonMembershipWriteFailed, err,
				zap.String(fieldCitizenID, citizenID),
				zap.String(fieldOrganizationSID, membership.OrganizationSID))
			return newServiceError(opApplySnapshot, reasonMembershipWriteFailed, err)
		}
	}

	citizen := changes.Citizen
	err := transaction.Model(&Citizen{}).
		Where(queryID, citizenID).
		Updates(map[string]interface{}{
			"nickname":                     citizen.Nickname,
			"bio":                          citizen.Bio,
			"avatar_url":                   citizen.AvatarURL,
			"last_refresh":                 citizen.LastRefresh,
			"redacted_main_organization":   citizen.RedactedMainOrganization,
			"count_redacted_organizations": citizen.CountRedactedOrganizations,
			"main_membership_id":           citizen.MainMembershipID,
		}).Error
	if err != nil {
		s.logError(opApplySnapshot, reasonCitizenUpdateFailed, err, zap.String(fieldCitizenID, citizenID))
		return newServiceError(opApplySnapshot, reasonCitizenUpdateFailed, err)
	}

	audit := make([]MembershipChange, 0, len(changes.MembershipsCreated)+len(changes.MembershipsUpdated)+len(changes.MembershipsDeleted))
	for _, membership := range changes.MembershipsCreated {
		audit = append(audit, MembershipChange{
			MembershipID:    membership.ID,
			OrganizationSID: membership.OrganizationSID,
			Kind:            ChangeKindCreated,
			NewRank:         pointerTo(membership.Rank),
		})
	}
	for _, membership := range changes.MembershipsUpdated {
		record := MembershipChange{
			MembershipID:    membership.ID,
			OrganizationSID: membership.OrganizationSID,
			Kind:            ChangeKindUpdated,
			NewRank:         pointerTo(membership.Rank),
		}
		if rank, ok := previousRanks[membership.ID]; ok {
			record.PreviousRank = pointerTo(rank)
		}
		audit = append(audit, record)
	}
	for _, membership := range changes.MembershipsDeleted {
		audit = append(audit, MembershipChange{
			MembershipID:    membership.ID,
			OrganizationSID: membershipSID(membership),
			Kind:            ChangeKindDeleted,
			PreviousRank:    pointerTo(membership.Rank),
		})
	}
	for index := range audit {
		changeID, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opApplySnapshot, reasonIDGenerationFailed, err, zap.String(fieldCitizenID, citizenID))
			return newServiceError(opApplySnapshot, reasonIDGenerationFailed, err)
		}
		audit[index].ChangeID = changeID
		audit[index].CitizenID = citizenID
		audit[index].AppliedAtSeconds = appliedAt.Unix()
	}
	if len(audit) > 0 {
		if err := transaction.Create(&audit).Error; err != nil {
			s.logError(opApplySnapshot, reasonAuditInsertFailed, err, zap.String(fieldCitizenID, citizenID))
			return newServiceError(opApplySnapshot, reasonAuditInsertFailed, err)
		}
	}
	return nil
}

func (s *Service) publish(ctx context.Context, changes ChangeSet, snapshot Snapshot, refreshedAt time.Time) {
	host := RequestHost(ctx)
	for _, organization := range changes.OrganizationsCreated {
		notification := OrganizationObserved{
			OrganizationID:  organization.ID,
			OrganizationSID: organization.OrganizationSID,
			Name:            organization.Name,
			Host:            host,
			ObservedAt:      refreshedAt,
		}
		if err := s.notifier.Notify(ctx, notification); err != nil {
			s.logger.Warn("notification publish failed",
				zap.String("topic", notification.Topic()),
				zap.String(fieldOrganizationSID, organization.OrganizationSID),
				zap.Error(err))
		}
	}

	notification := CitizenRefreshed{
		CitizenID:   changes.Citizen.ID,
		Handle:      changes.Citizen.Handle,
		Snapshot:    snapshot,
		Changes:     changes.Summary(),
		RefreshedAt: refreshedAt,
	}
	if err := s.notifier.Notify(ctx, notification); err != nil {
		s.logger.Warn("notification publish failed",
			zap.String("topic", notification.Topic()),
			zap.String(fieldCitizenID, changes.Citizen.ID),
			zap.Error(err))
	}
}

func loadCitizen(db *gorm.DB, citizenID CitizenID, forUpdate bool) (Citizen, error) {
	query := db.
		Preload("Memberships", func(preload *gorm.DB) *gorm.DB {
			return preload.Order(orderIDAsc)
		}).
		Preload("Memberships.Organization")
	if forUpdate {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var citizen Citizen
	if err := query.Where(queryID, citizenID.String()).Take(&citizen).Error; err != nil {
		return Citizen{}, err
	}
	return citizen, nil
}

func (s *Service) wrapLoadError(operation string, citizenID CitizenID, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return newServiceError(operation, reasonUnknownCitizen, ErrUnknownCitizen)
	}
	s.logError(operation, reasonQueryFailed, err, zap.String(fieldCitizenID, citizenID.String()))
	return newServiceError(operation, reasonQueryFailed, err)
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("citizens service error", attrs...)
}
