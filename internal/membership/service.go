// Package membership replays each consumer's roster against local
// accounts and enrolments, creating, updating and removing users so both
// systems stay in step.
package membership

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rayhinton/moodle-local-ltiprovider/internal/config"
	"github.com/rayhinton/moodle-local-ltiprovider/internal/db"
	"github.com/rayhinton/moodle-local-ltiprovider/internal/host"
	"github.com/rayhinton/moodle-local-ltiprovider/internal/logger"
	"github.com/rayhinton/moodle-local-ltiprovider/internal/model"
	pkgerrors "github.com/rayhinton/moodle-local-ltiprovider/pkg/errors"
)

// Sender is the signed-transport slice this engine needs.
type Sender interface {
	PostForm(ctx context.Context, endpoint, consumerKey, consumerSecret string, form map[string]string) (string, error)
}

// EventPublisher receives user created/updated notifications.
type EventPublisher interface {
	PublishUserEvent(ctx context.Context, ev model.UserEvent) error
}

// PassState accumulates work shared across every tool of one scheduler
// pass: roster endpoints already queried and photo URLs collected for the
// deferred download phase.
type PassState struct {
	Consumers map[string]bool
	Photos    map[int64]string
}

func NewPassState() *PassState {
	return &PassState{
		Consumers: make(map[string]bool),
		Photos:    make(map[int64]string),
	}
}

type Service struct {
	repo       db.Repository
	accounts   host.Accounts
	enrolments host.Enrolments
	groups     host.Groups
	sender     Sender
	events     EventPublisher
	provider   config.ProviderConfig
	log        zerolog.Logger
}

func NewService(repo db.Repository, accounts host.Accounts, enrolments host.Enrolments,
	groups host.Groups, sender Sender, events EventPublisher, provider config.ProviderConfig) *Service {
	return &Service{
		repo:       repo,
		accounts:   accounts,
		enrolments: enrolments,
		groups:     groups,
		sender:     sender,
		events:     events,
		provider:   provider,
		log:        logger.Get(),
	}
}

// consumerFingerprint identifies one roster endpoint within a pass. Users
// launched from the same consumer share it, so the roster is fetched once.
func consumerFingerprint(toolID int64, membershipsURL, consumerKey, consumerSecret string) string {
	return md5hex(fmt.Sprintf("%d:%s:%s:%s", toolID, membershipsURL, consumerKey, consumerSecret))
}

// SyncTool replays the roster for one tool. Users are expected ordered by
// most recent access first so the freshest endpoint satisfies the
// fingerprint. Per-consumer failures are logged and never abort the pass.
func (s *Service) SyncTool(ctx context.Context, tool *model.Tool, now time.Time, state *PassState) error {
	s.log.Info().Int64("tool_id", tool.ID).Msg("starting membership sync")

	users, err := s.repo.ListToolUsersByLastAccess(ctx, tool.ID)
	if err != nil {
		return fmt.Errorf("failed to list tool users: %w", err)
	}

	updateLastSync := false

	for i := range users {
		user := &users[i]
		if user.MembershipsURL == "" || user.MembershipsID == "" {
			continue
		}

		fingerprint := consumerFingerprint(tool.ID, user.MembershipsURL, user.ConsumerKey, user.ConsumerSecret)
		if state.Consumers[fingerprint] {
			continue
		}

		form := map[string]string{
			"lti_message_type": "basic-lis-readmembershipsforcontext",
			"id":               user.MembershipsID,
			"lti_version":      "LTI-1p0",
		}

		s.log.Debug().Str("url", user.MembershipsURL).Msg("calling memberships service")

		response, err := s.sender.PostForm(ctx, user.MembershipsURL, user.ConsumerKey, user.ConsumerSecret, form)
		if err != nil {
			s.log.Warn().Err(err).Str("url", user.MembershipsURL).Msg("no response from memberships service")
			continue
		}
		state.Consumers[fingerprint] = true

		var roster model.MembershipResponse
		if err := xml.Unmarshal([]byte(response), &roster); err != nil {
			s.log.Warn().Err(err).
				Str("body", truncate(response, 125)).
				Msg("error parsing the XML received")
			continue
		}

		if !strings.Contains(strings.ToLower(roster.StatusInfo.CodeMajor), "success") {
			s.log.Warn().
				Str("codemajor", roster.StatusInfo.CodeMajor).
				Str("severity", roster.StatusInfo.Severity).
				Str("codeminor", roster.StatusInfo.CodeMinor).
				Msg("error received from the remote system")
			continue
		}

		updateLastSync = true
		s.log.Info().Int("members", len(roster.Memberships.Members)).Msg("members received")

		currentUsers := make(map[int64]bool)
		for j := range roster.Memberships.Members {
			member := &roster.Memberships.Members[j]
			localID, err := s.applyMember(ctx, tool, user.ConsumerKey, member, now, state)
			// A member whose account was resolved stays in the current
			// set even when applying it failed, so a transient error can
			// never turn into an unenrolment of a rostered user.
			if localID > 0 {
				currentUsers[localID] = true
			}
			if err != nil {
				s.log.Warn().Err(err).Str("external_id", member.UserID).Msg("failed to apply roster member")
			}
		}

		if tool.SyncMode.CanUnenrol() {
			if err := s.unenrolMissing(ctx, tool, currentUsers); err != nil {
				s.log.Warn().Err(err).Int64("tool_id", tool.ID).Msg("failed to unenrol missing users")
			}
		}
	}

	if updateLastSync {
		if err := s.repo.SetMembershipLastSync(ctx, tool.ID, now.Unix()); err != nil {
			return fmt.Errorf("failed to store membership last sync: %w", err)
		}
	}

	s.log.Info().Int64("tool_id", tool.ID).Msg("finished membership sync")
	return nil
}

// applyMember resolves one roster entry to a local account, creating or
// updating it as policy allows, and enrols it. The returned id is zero only
// when no account could be matched (unenrol-only tools never create); once
// an account is identified its id is returned alongside any error.
func (s *Service) applyMember(ctx context.Context, tool *model.Tool, consumerKey string,
	member *model.Member, now time.Time, state *PassState) (int64, error) {

	username := CreateUsername(consumerKey, member.UserID)

	account, err := s.accounts.GetUserByUsername(ctx, username)
	if err != nil {
		return 0, fmt.Errorf("failed to look up user %q: %w", username, err)
	}
	if account == nil {
		// Accounts provisioned before the derivation change are still
		// reachable under the old form; rename them forward once.
		legacy := LegacyUsername(consumerKey, member.UserID)
		old, err := s.accounts.GetUserByUsername(ctx, legacy)
		if err != nil {
			return 0, fmt.Errorf("failed to look up legacy user %q: %w", legacy, err)
		}
		if old != nil {
			if err := s.accounts.RenameUser(ctx, old.ID, username); err != nil {
				return old.ID, fmt.Errorf("failed to migrate username for user %d: %w", old.ID, err)
			}
			old.Username = username
			account = old
		}
	}

	if account != nil {
		if member.GivenName != account.FirstName || member.FamilyName != account.LastName ||
			member.Email != account.Email {
			account.FirstName = member.GivenName
			account.LastName = member.FamilyName
			account.Email = member.Email
			account.TimeModified = now.Unix()
			if err := s.accounts.UpdateUserProfile(ctx, account); err != nil {
				return account.ID, fmt.Errorf("failed to update profile for user %d: %w", account.ID, err)
			}
			state.Photos[account.ID] = member.UserImage
			s.publishEvent(ctx, model.UserEventUpdated, account.ID, tool.ID, now)
		}
	} else {
		if !tool.SyncMode.CanEnrol() {
			return 0, nil
		}
		account, err = s.createMember(ctx, tool, username, member, now)
		if err != nil {
			return 0, err
		}
		state.Photos[account.ID] = member.UserImage
		s.publishEvent(ctx, model.UserEventCreated, account.ID, tool.ID, now)
	}

	if tool.SyncMode.CanEnrol() {
		// The user may have been unenrolled on our side since the last
		// pass, so always offer the enrolment again.
		if err := s.EnrolUser(ctx, tool, account.ID, isInstructor(member.Roles), now); err != nil {
			if !isEnrolPolicyRefusal(err) {
				return account.ID, fmt.Errorf("failed to enrol user %d: %w", account.ID, err)
			}
			s.log.Debug().Err(err).Int64("user_id", account.ID).Msg("enrolment refused by tool policy")
		}
	}

	return account.ID, nil
}

func (s *Service) createMember(ctx context.Context, tool *model.Tool, username string,
	member *model.Member, now time.Time) (*model.LocalUser, error) {

	auth := s.provider.DefaultAuthMethod
	if auth == "" {
		auth = "nologin"
	}
	lang := tool.Lang
	if lang == "" {
		lang = s.provider.DefaultLang
	}

	account := &model.LocalUser{
		Username:    username,
		Password:    md5hex(uuid.NewString()),
		Auth:        auth,
		FirstName:   member.GivenName,
		LastName:    member.FamilyName,
		Email:       member.Email,
		City:        tool.City,
		Country:     tool.Country,
		Institution: tool.Institution,
		Timezone:    tool.Timezone,
		MailDisplay: tool.MailDisplay,
		Lang:        lang,
		Confirmed:   true,
		TimeCreated: now.Unix(),
	}

	id, err := s.accounts.CreateUser(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("failed to create user %q: %w", username, err)
	}
	account.ID = id
	return account, nil
}

// EnrolUser enrols one local user under the tool's policy. Refusals
// (enrolment window, capacity, role not admitted) surface as sentinel
// errors so callers can tell policy from failure.
func (s *Service) EnrolUser(ctx context.Context, tool *model.Tool, userID int64,
	instructor bool, now time.Time) error {

	if (instructor && !tool.EnrolInstructors) || (!instructor && !tool.EnrolLearners) {
		return nil
	}

	enrolled, err := s.enrolments.IsEnrolled(ctx, tool.CourseID, userID)
	if err != nil {
		return fmt.Errorf("failed to check enrolment: %w", err)
	}
	if enrolled {
		return nil
	}

	if tool.MaxEnrolled > 0 {
		count, err := s.repo.CountToolUsers(ctx, tool.ID)
		if err != nil {
			return fmt.Errorf("failed to count tool users: %w", err)
		}
		if count > tool.MaxEnrolled {
			return pkgerrors.ErrMaxEnrolledReached
		}
	}

	if tool.EnrolStartDate > 0 && now.Unix() < tool.EnrolStartDate {
		return pkgerrors.ErrEnrolmentNotStarted
	}
	if tool.EnrolEndDate > 0 && now.Unix() > tool.EnrolEndDate {
		return pkgerrors.ErrEnrolmentFinished
	}

	// Enrolment starts at the beginning of the current day, and the
	// per-tool period counts from there.
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).Unix()
	timeEnd := int64(0)
	if tool.EnrolPeriod > 0 {
		timeEnd = today + tool.EnrolPeriod
	}

	roleID := tool.CourseRoleLearner
	if instructor {
		roleID = tool.CourseRoleInstructor
	}

	if err := s.enrolments.Enrol(ctx, tool.CourseID, userID, roleID, today, timeEnd); err != nil {
		return fmt.Errorf("failed to enrol: %w", err)
	}

	if tool.AddToGroup != "" {
		if err := s.groups.AddToGroupByIDNumber(ctx, tool.CourseID, tool.AddToGroup, userID); err != nil {
			s.log.Warn().Err(err).Int64("user_id", userID).Str("group", tool.AddToGroup).
				Msg("failed to place user in group")
		}
	}

	return nil
}

func (s *Service) unenrolMissing(ctx context.Context, tool *model.Tool, currentUsers map[int64]bool) error {
	enrolled, err := s.enrolments.EnrolledUserIDs(ctx, tool.CourseID)
	if err != nil {
		return fmt.Errorf("failed to list enrolled users: %w", err)
	}
	for _, id := range enrolled {
		if currentUsers[id] {
			continue
		}
		if err := s.enrolments.Unenrol(ctx, tool.CourseID, id); err != nil {
			s.log.Warn().Err(err).Int64("user_id", id).Msg("failed to unenrol user")
		}
	}
	return nil
}

func (s *Service) publishEvent(ctx context.Context, eventType string, userID, toolID int64, now time.Time) {
	if s.events == nil {
		return
	}
	ev := model.UserEvent{
		Type:   eventType,
		UserID: userID,
		ToolID: toolID,
		Time:   now.Unix(),
	}
	if err := s.events.PublishUserEvent(ctx, ev); err != nil {
		s.log.Warn().Err(err).Str("type", eventType).Int64("user_id", userID).
			Msg("failed to publish user event")
	}
}

// isInstructor reports whether a roster role string carries an elevated
// role. Matching is loose substring on purpose; consumers send full LIS
// URNs, bare words and comma lists.
func isInstructor(roles string) bool {
	lower := strings.ToLower(roles)
	return strings.Contains(lower, "instructor") || strings.Contains(lower, "administrator")
}

func isEnrolPolicyRefusal(err error) bool {
	return errors.Is(err, pkgerrors.ErrMaxEnrolledReached) ||
		errors.Is(err, pkgerrors.ErrEnrolmentNotStarted) ||
		errors.Is(err, pkgerrors.ErrEnrolmentFinished)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
