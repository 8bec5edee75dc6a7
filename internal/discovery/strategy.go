package discovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/hitushen/portpeek/internal/models"
	"github.com/hitushen/portpeek/internal/watchlist"
)

// Attempt 是一个发现阶段的产出。
type Attempt struct {
	Records []models.ListenerRecord
	// Outcome 仅对单次调用的阶段有意义（全量查询）。
	Outcome Outcome
	// Failures 汇总了被跳过的逐端口失败，阶段本身仍视为完成。
	Failures error
}

// Strategy 是回退链中的一个阶段。
type Strategy interface {
	Name() string
	Attempt(ctx context.Context, ports []int) (Attempt, error)
}

// broadQuery 一次性查询全部 TCP 监听者。
type broadQuery struct {
	inspector Inspector
	user      string
	log       *logrus.Entry
}

func (q *broadQuery) Name() string { return "broad" }

func (q *broadQuery) Attempt(ctx context.Context, _ []int) (Attempt, error) {
	inv, err := q.inspector.Run(ctx, Query{User: q.user}.Args())
	if err != nil {
		if errors.Is(err, ErrInvocationTimeout) {
			q.log.WithError(err).Warn("broad query timed out")
			return Attempt{Outcome: Outcome{Kind: OutcomeFailed, ExitCode: -1, Diagnostic: err.Error()}}, nil
		}
		return Attempt{}, err
	}
	records := ParseOutput(inv.Stdout)
	outcome := Classify(inv)
	q.log.WithFields(logrus.Fields{
		"code":    inv.ExitCode,
		"outcome": outcome.Kind.String(),
		"parsed":  len(records),
		"stderr":  outcome.Diagnostic,
	}).Debug("broad query")
	return Attempt{Records: records, Outcome: outcome}, nil
}

// perPortQuery 为每个关注端口单独执行一次字段模式查询。
type perPortQuery struct {
	inspector Inspector
	user      string
	failFast  bool
	log       *logrus.Entry
}

func (q *perPortQuery) Name() string { return "per-port" }

func (q *perPortQuery) Attempt(ctx context.Context, ports []int) (Attempt, error) {
	var (
		records  []models.ListenerRecord
		failures *multierror.Error
	)
	for _, port := range watchlist.Normalize(ports) {
		inv, err := q.inspector.Run(ctx, Query{Port: port, User: q.user}.Args())
		if err != nil {
			if !errors.Is(err, ErrInvocationTimeout) {
				return Attempt{}, err
			}
			q.log.WithError(err).WithField("port", port).Warn("per-port query timed out")
			failures = appendFailure(failures, port, err)
			continue
		}
		parsed := ParseOutput(inv.Stdout)
		outcome := Classify(inv)
		entry := q.log.WithFields(logrus.Fields{"port": port, "code": inv.ExitCode, "parsed": len(parsed)})
		switch outcome.Kind {
		case OutcomeSuccess, OutcomePermissionPartial:
			entry.WithField("stderr", outcome.Diagnostic).Debug("per-port query")
			records = append(records, parsed...)
		case OutcomeNoMatch:
			entry.Debug("per-port no-match")
		default:
			if q.failFast {
				return Attempt{}, outcome.Err()
			}
			entry.WithError(outcome.Err()).Warn("per-port query failed, skipping port")
			failures = appendFailure(failures, port, outcome.Err())
		}
	}
	return Attempt{Records: Dedupe(records), Failures: failures.ErrorOrNil()}, nil
}

// nameOnlyQuery 在元数据字段被屏蔽时只请求套接字名称，记录出现过的端口。
type nameOnlyQuery struct {
	inspector Inspector
	user      string
	failFast  bool
	log       *logrus.Entry
}

func (q *nameOnlyQuery) Name() string { return "name-only" }

func (q *nameOnlyQuery) Attempt(ctx context.Context, ports []int) (Attempt, error) {
	var failures *multierror.Error
	detected := make(map[int]struct{})
	for _, port := range watchlist.Normalize(ports) {
		inv, err := q.inspector.Run(ctx, Query{Port: port, User: q.user, NameOnly: true}.Args())
		if err != nil {
			if !errors.Is(err, ErrInvocationTimeout) {
				return Attempt{}, err
			}
			q.log.WithError(err).WithField("port", port).Warn("name-only query timed out")
			failures = appendFailure(failures, port, err)
			continue
		}
		names := ParseNames(inv.Stdout)
		outcome := Classify(inv)
		if outcome.Kind == OutcomeFailed {
			if q.failFast {
				return Attempt{}, outcome.Err()
			}
			q.log.WithError(outcome.Err()).WithField("port", port).Warn("name-only query failed, skipping port")
			failures = appendFailure(failures, port, outcome.Err())
			continue
		}
		if len(names) > 0 {
			q.log.WithFields(logrus.Fields{"port": port, "code": inv.ExitCode, "parsed": len(names)}).Debug("name-only query")
		}
		for _, p := range names {
			detected[p] = struct{}{}
		}
	}

	found := make([]int, 0, len(detected))
	for p := range detected {
		found = append(found, p)
	}
	sort.Ints(found)
	records := make([]models.ListenerRecord, 0, len(found))
	for _, p := range found {
		records = append(records, models.ListenerRecord{
			Port:        p,
			ProcessName: models.UnknownValue,
			PID:         models.NoPID,
			User:        models.UnknownValue,
			Protocol:    models.ProtocolTCP,
		})
	}
	return Attempt{Records: records, Failures: failures.ErrorOrNil()}, nil
}

// connectProbe 直接连接本机端口确认是否有监听者，不提供进程信息。
type connectProbe struct {
	prober Prober
	log    *logrus.Entry
}

func (c *connectProbe) Name() string { return "connect-probe" }

func (c *connectProbe) Attempt(ctx context.Context, ports []int) (Attempt, error) {
	active, err := c.prober.ActivePorts(ctx, watchlist.Normalize(ports))
	if err != nil {
		// 连接探测失败只是否定信号，不向上传播；已确认的端口仍然保留。
		c.log.WithError(err).WithField("confirmed", len(active)).Warn("connect probe interrupted")
	}
	records := make([]models.ListenerRecord, 0, len(active))
	for _, port := range active {
		records = append(records, models.ListenerRecord{
			Port:        port,
			ProcessName: models.LocalhostTag,
			PID:         models.NoPID,
			User:        models.UnknownValue,
			Protocol:    models.ProtocolTCP,
		})
	}
	if len(records) > 0 {
		c.log.WithField("ports", watchlist.Format(active)).Debug("connect probe found active ports")
	}
	return Attempt{Records: records}, nil
}

func appendFailure(failures *multierror.Error, port int, err error) *multierror.Error {
	failures = multierror.Append(failures, fmt.Errorf("port %d: %w", port, err))
	failures.ErrorFormat = joinFailures
	return failures
}

func joinFailures(errs []error) string {
	msgs := make([]string, len(errs))
	for i, err := range errs {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}
