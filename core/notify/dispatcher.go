// Package notify sends one absence SMS per student, parent and day to the
// households of absent students, keeping an idempotent delivery log.
package notify

import (
	"context"
	"fmt"
	"net/mail"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/rollcall/core"
	"github.com/trezcool/rollcall/core/attendance"
	"github.com/trezcool/rollcall/core/school"
)

var NowFunc = time.Now // mockable

var (
	// errors
	ErrSweepInProgress = errors.New("a dispatch sweep is already running")
)

// EffectiveInterval applies the minimum floor to the configured sweep interval.
func EffectiveInterval(interval, floor time.Duration) time.Duration {
	if interval < floor {
		return floor
	}
	return interval
}

type Dispatcher struct {
	conf      *core.Config
	repo      Repository
	days      attendance.DayRepository
	dir       school.Directory
	loc       *school.Locator
	transport Transport
	lease     Lease
	mailSvc   core.EmailService
	log       core.Logger
	policy    RetryPolicy
}

func NewDispatcher(
	conf *core.Config,
	repo Repository,
	days attendance.DayRepository,
	dir school.Directory,
	loc *school.Locator,
	transport Transport,
	lease Lease,
	mailSvc core.EmailService,
	logger core.Logger,
) *Dispatcher {
	return &Dispatcher{
		conf:      conf,
		repo:      repo,
		days:      days,
		dir:       dir,
		loc:       loc,
		transport: transport,
		lease:     lease,
		mailSvc:   mailSvc,
		log:       logger,
		policy: RetryPolicy{
			MaxAttempts:  conf.Notify.MaxAttempts,
			Backoff:      conf.Notify.RetryBackoff,
			ClaimTimeout: conf.Notify.ClaimTimeout,
		},
	}
}

// Sweep runs one dispatch pass over every class with notifications enabled.
// It returns ErrSweepInProgress without doing anything while another sweep holds the lease.
func (d *Dispatcher) Sweep(ctx context.Context) (SweepResult, error) {
	token, ok, err := d.lease.TryAcquire(ctx, d.conf.Notify.LeaseTTL)
	if err != nil {
		return SweepResult{}, errors.Wrap(err, "acquiring sweep lease")
	}
	if !ok {
		return SweepResult{}, ErrSweepInProgress
	}
	defer func() {
		if err := d.lease.Release(context.Background(), token); err != nil {
			d.log.Error("releasing sweep lease", err)
		}
	}()

	res := SweepResult{StartedAt: NowFunc().UTC()}
	classes, err := d.dir.QueryClasses(ctx, school.ClassFilter{NotificationsEnabled: true})
	if err != nil {
		return res, errors.Wrap(err, "loading classes")
	}

	bySchool := make(map[string][]school.Class)
	schoolIDs := make([]string, 0)
	for _, cls := range classes {
		if _, ok := bySchool[cls.SchoolID]; !ok {
			schoolIDs = append(schoolIDs, cls.SchoolID)
		}
		bySchool[cls.SchoolID] = append(bySchool[cls.SchoolID], cls)
	}
	sort.Strings(schoolIDs)

	for _, schoolID := range schoolIDs {
		info, err := d.loc.Info(ctx, schoolID)
		if err != nil {
			d.log.Error("resolving school for dispatch", err, map[string]interface{}{"school_id": schoolID})
			res.ClassErrors += len(bySchool[schoolID])
			continue
		}
		for _, cls := range bySchool[schoolID] {
			res.Classes++
			if err := d.sweepClass(ctx, info, cls, &res); err != nil {
				res.ClassErrors++
				d.log.Error("dispatching class absences", err, map[string]interface{}{"school_id": schoolID, "class_id": cls.ID})
			}
		}
	}

	res.Duration = NowFunc().UTC().Sub(res.StartedAt)
	if res.Failed > 0 {
		d.alert(res)
	}
	return res, nil
}

func (d *Dispatcher) sweepClass(ctx context.Context, info school.Info, cls school.Class, res *SweepResult) error {
	now := NowFunc()
	dateKey := school.DateKey(now, info.Location)

	sendAfter := cls.SendAfterTime
	if strings.TrimSpace(sendAfter) == "" {
		sendAfter = d.conf.Notify.DefaultSendAfter
	}
	sendAt, err := school.LocalMoment(dateKey, sendAfter, info.Location)
	if err != nil {
		return errors.Wrap(err, "computing send-after time")
	}
	if now.Before(sendAt) {
		res.ClassesSkipped++
		return nil
	}
	holiday, err := d.dir.IsHoliday(ctx, cls.SchoolID, dateKey, cls.Audience())
	if err != nil {
		return errors.Wrap(err, "checking holiday")
	}
	if holiday {
		res.ClassesSkipped++
		return nil
	}

	roster, err := d.dir.QueryStudents(ctx, school.StudentFilter{SchoolID: cls.SchoolID, ClassID: cls.ID})
	if err != nil {
		return errors.Wrap(err, "loading roster")
	}
	if len(roster) == 0 {
		return nil
	}
	students := make(map[string]school.Student, len(roster))
	ids := make([]string, 0, len(roster))
	for _, stud := range roster {
		students[stud.ID] = stud
		ids = append(ids, stud.ID)
	}

	days, err := d.days.QueryDays(ctx, attendance.DayFilter{
		SchoolID:   cls.SchoolID,
		DateKey:    dateKey,
		StudentIDs: ids,
		Status:     attendance.StatusAbsent,
	})
	if err != nil {
		return errors.Wrap(err, "loading absences")
	}
	absent := make([]string, 0, len(days))
	for _, day := range days {
		// a capture contradicts the absence, let a human sort it out first
		if day.FinalStatus == attendance.StatusAbsent && day.AutoStatus != attendance.StatusPresent {
			absent = append(absent, day.StudentID)
		}
	}
	if len(absent) == 0 {
		return nil
	}
	sort.Strings(absent)

	parents, err := d.dir.QueryParents(ctx, absent)
	if err != nil {
		return errors.Wrap(err, "loading parents")
	}
	byStudent := make(map[string][]school.Parent, len(absent))
	for _, p := range parents {
		byStudent[p.StudentID] = append(byStudent[p.StudentID], p)
	}

	for _, studID := range absent {
		for _, parent := range byStudent[studID] {
			if !parent.CanReceiveAlerts() {
				continue
			}
			if parent.UserID == "" {
				d.log.Warn("parent record without user, absence alert skipped", map[string]interface{}{"student_id": studID})
				continue
			}
			if err := d.deliver(ctx, info, cls, students[studID], parent, dateKey, res); err != nil {
				return err
			}
		}
	}
	return nil
}

// deliver claims the (student, parent, day) key, sends the SMS and records the outcome.
// Only internal errors are returned; channel failures are recorded against the delivery.
func (d *Dispatcher) deliver(ctx context.Context, info school.Info, cls school.Class, stud school.Student, parent school.Parent, dateKey string, res *SweepResult) error {
	key := DeliveryKey{StudentID: stud.ID, ParentUserID: parent.UserID, DateKey: dateKey}
	now := NowFunc().UTC()

	var prev *Delivery
	existing, err := d.repo.GetDelivery(ctx, key)
	switch errors.Cause(err) {
	case nil:
		if due, reason := d.policy.Due(existing, now); !due {
			res.Skipped++
			if reason == NotDueExhausted {
				d.log.Debug("absence alert retries exhausted", map[string]interface{}{"student_id": stud.ID, "parent_user_id": parent.UserID, "date": dateKey})
			}
			return nil
		}
		prev = &existing
	case ErrDeliveryNotFound:
	default:
		return errors.Wrap(err, "checking delivery log")
	}

	body, err := AbsenceMessage{
		ParentName:  parent.Name,
		StudentName: stud.FullName(),
		SchoolName:  info.Name,
		Date:        dateKey,
	}.Render()
	if err != nil {
		return err
	}

	claim, ok, err := d.repo.ClaimDelivery(ctx, Delivery{
		SchoolID:     cls.SchoolID,
		ClassID:      cls.ID,
		StudentID:    stud.ID,
		ParentUserID: parent.UserID,
		DateKey:      dateKey,
		Phone:        parent.Phone,
		Status:       StatusPending,
	}, prev, now)
	if err != nil {
		return errors.Wrap(err, "claiming delivery")
	}
	if !ok {
		res.Skipped++
		d.log.Info("absence alert claimed by another sweep", map[string]interface{}{"student_id": stud.ID, "parent_user_id": parent.UserID, "date": dateKey})
		return nil
	}

	outcome, sendErr := d.transport.Send(ctx, SMS{To: parent.Phone, Body: body, Ref: claim.ID})
	switch {
	case sendErr != nil:
		outcome = SendResult{Status: StatusFailed, Error: sendErr.Error()}
	case outcome.Status != StatusSent:
		outcome.Status = StatusFailed
		if outcome.Error == "" {
			outcome.Error = "provider reported a failed delivery"
		}
	}

	rec, err := d.repo.RecordOutcome(ctx, key, claim.Attempts, outcome, NowFunc().UTC())
	if err != nil {
		return errors.Wrap(err, "recording delivery outcome")
	}
	if rec.Attempts != claim.Attempts {
		res.Skipped++
		d.log.Info("absence alert reclaimed by a newer sweep", map[string]interface{}{
			"student_id":     stud.ID,
			"parent_user_id": parent.UserID,
			"date":           dateKey,
			"attempts":       rec.Attempts,
		})
		return nil
	}
	if rec.Status == StatusSent {
		res.Sent++
		return nil
	}
	res.Failed++
	res.Failures = append(res.Failures, Failure{
		SchoolID:     cls.SchoolID,
		StudentID:    stud.ID,
		ParentUserID: parent.UserID,
		DateKey:      dateKey,
		Attempts:     rec.Attempts,
		Error:        rec.Error,
	})
	d.log.Warn("absence alert failed", map[string]interface{}{
		"student_id":     stud.ID,
		"parent_user_id": parent.UserID,
		"date":           dateKey,
		"attempts":       rec.Attempts,
		"error":          rec.Error,
	})
	return nil
}

// alert mails the ops digest of the failed sends of a sweep.
func (d *Dispatcher) alert(res SweepResult) {
	to := strings.TrimSpace(d.conf.Notify.AlertEmail)
	if to == "" || d.mailSvc == nil {
		return
	}
	var body strings.Builder
	fmt.Fprintf(&body, "%d absence SMS could not be delivered during the sweep started at %s.\n\n", res.Failed, res.StartedAt.Format(time.RFC3339))
	for _, f := range res.Failures {
		fmt.Fprintf(&body, "- school %s, student %s, parent %s, %s (attempt %d): %s\n", f.SchoolID, f.StudentID, f.ParentUserID, f.DateKey, f.Attempts, f.Error)
	}
	d.mailSvc.SendMessages(&core.EmailMessage{
		To:      []mail.Address{{Address: to}},
		Subject: fmt.Sprintf("%d absence SMS failed", res.Failed),
		BodyStr: body.String(),
	})
}

// Deliveries lists the delivery log of a school.
func (d *Dispatcher) Deliveries(ctx context.Context, filter DeliveryFilter) ([]Delivery, error) {
	if filter.DateKey != "" {
		if _, err := school.ParseDateKey(filter.DateKey, time.UTC); err != nil {
			return nil, core.NewFieldValidationError("date", "date must be formatted as YYYY-MM-DD")
		}
	}
	return d.repo.QueryDeliveries(ctx, filter)
}

// SendTest sends an ad-hoc SMS through the channel without touching the delivery log.
func (d *Dispatcher) SendTest(ctx context.Context, phone, body string) (SendResult, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return SendResult{}, core.NewFieldValidationError("phone", "this field is required")
	}
	if strings.TrimSpace(body) == "" {
		body = "This is a test message from " + d.conf.AppName + "."
	}
	res, err := d.transport.Send(ctx, SMS{To: phone, Body: body})
	if err != nil {
		return SendResult{Status: StatusFailed, Error: err.Error()}, nil
	}
	return res, nil
}
