package cmd

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awssns "github.com/aws/aws-sdk-go-v2/service/sns"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"

	"github.com/3leaps/annoflow/internal/config"
	"github.com/3leaps/annoflow/pkg/awsconf"
	"github.com/3leaps/annoflow/pkg/coldstore"
	"github.com/3leaps/annoflow/pkg/coldstore/glacier"
	"github.com/3leaps/annoflow/pkg/jobrecord"
	"github.com/3leaps/annoflow/pkg/jobrecord/dynamo"
	"github.com/3leaps/annoflow/pkg/jobrecord/sqlstore"
	"github.com/3leaps/annoflow/pkg/lifecycle"
	"github.com/3leaps/annoflow/pkg/profile"
	"github.com/3leaps/annoflow/pkg/profile/pgprofile"
	"github.com/3leaps/annoflow/pkg/profile/tiercache"
	"github.com/3leaps/annoflow/pkg/provider"
	"github.com/3leaps/annoflow/pkg/provider/file"
	"github.com/3leaps/annoflow/pkg/provider/s3"
	"github.com/3leaps/annoflow/pkg/queue"
	"github.com/3leaps/annoflow/pkg/queue/sns"
	"github.com/3leaps/annoflow/pkg/queue/sqs"
)

// profileBackend is a tier source that may also accept updates.
type profileBackend interface {
	profile.Lookup
	profile.Updater
}

// backends opens and caches the adapters a command needs. AWS clients are
// created once and shared.
type backends struct {
	cfg    *config.Config
	logger *zap.Logger

	awsOnce sync.Once
	awsCfg  aws.Config
	awsErr  error

	sqsClient *awssqs.Client
	snsClient *awssns.Client

	recordStore jobrecord.Store
	hotRegistry *provider.Registry
	coldVault   coldstore.Vault

	closers []func() error
}

func newBackends(cfg *config.Config, logger *zap.Logger) *backends {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &backends{cfg: cfg, logger: logger}
}

func (b *backends) awsConf() awsconf.Config {
	return awsconf.Config{
		Region:          b.cfg.AWS.Region,
		Endpoint:        b.cfg.AWS.Endpoint,
		Profile:         b.cfg.AWS.Profile,
		AccessKeyID:     b.cfg.AWS.AccessKeyID,
		SecretAccessKey: b.cfg.AWS.SecretAccessKey,
	}
}

func (b *backends) aws(ctx context.Context) (aws.Config, error) {
	b.awsOnce.Do(func() {
		b.awsCfg, b.awsErr = awsconf.Load(ctx, b.awsConf())
		if b.awsErr != nil {
			return
		}
		endpoint := b.awsConf().EndpointOverride()
		b.sqsClient = awssqs.NewFromConfig(b.awsCfg, func(o *awssqs.Options) {
			if endpoint != nil {
				o.BaseEndpoint = endpoint
			}
		})
		b.snsClient = awssns.NewFromConfig(b.awsCfg, func(o *awssns.Options) {
			if endpoint != nil {
				o.BaseEndpoint = endpoint
			}
		})
	})
	return b.awsCfg, b.awsErr
}

func (b *backends) onClose(fn func() error) {
	b.closers = append(b.closers, fn)
}

// Close releases everything opened, most recent first.
func (b *backends) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}

func (b *backends) records(ctx context.Context) (jobrecord.Store, error) {
	if b.recordStore != nil {
		return b.recordStore, nil
	}
	var (
		store jobrecord.Store
		err   error
	)
	switch b.cfg.Records.Backend {
	case config.RecordsDynamoDB:
		store, err = dynamo.New(ctx, dynamo.Config{
			Table:     b.cfg.Records.Table,
			UserIndex: b.cfg.Records.UserIndex,
			AWS:       b.awsConf(),
		})
	case config.RecordsSQLite:
		store, err = sqlstore.Open(ctx, sqlstore.Config{Path: b.cfg.Records.Path})
	default:
		return nil, fmt.Errorf("unknown records backend %q", b.cfg.Records.Backend)
	}
	if err != nil {
		return nil, err
	}
	b.onClose(store.Close)
	b.recordStore = store
	return store, nil
}

// hot returns the registry resolving input and result locations.
func (b *backends) hot(ctx context.Context) (*provider.Registry, error) {
	if b.hotRegistry != nil {
		return b.hotRegistry, nil
	}
	var reg *provider.Registry
	switch b.cfg.Hot.Scheme {
	case config.HotS3:
		awsCfg, err := b.aws(ctx)
		if err != nil {
			return nil, err
		}
		client := s3.NewClient(awsCfg, b.cfg.AWS.Endpoint, b.cfg.Hot.ForcePathStyle)
		reg = provider.NewRegistry(provider.ProviderS3, s3.Opener(client))
	case config.HotFile:
		reg = provider.NewRegistry(provider.ProviderFile, file.Opener(b.cfg.Hot.Root))
	default:
		return nil, fmt.Errorf("unknown hot scheme %q", b.cfg.Hot.Scheme)
	}
	b.onClose(reg.Close)
	b.hotRegistry = reg
	return reg, nil
}

func (b *backends) vault(ctx context.Context) (coldstore.Vault, error) {
	if b.coldVault != nil {
		return b.coldVault, nil
	}
	if b.cfg.Vault.Name == "" {
		return nil, errors.New("vault.name is required")
	}
	v, err := glacier.New(ctx, glacier.Config{
		Vault:     b.cfg.Vault.Name,
		AccountID: b.cfg.Vault.AccountID,
		AWS:       b.awsConf(),
	})
	if err != nil {
		return nil, err
	}
	b.onClose(v.Close)
	b.coldVault = v
	return v, nil
}

// profiles returns the tier backend, wrapped in the redis cache when enabled.
func (b *backends) profiles(ctx context.Context) (profileBackend, error) {
	var backend profileBackend
	switch b.cfg.Profiles.Backend {
	case config.ProfilesStatic:
		s, err := profile.ParseStatic(b.cfg.Profiles.Users, b.cfg.Profiles.Default)
		if err != nil {
			return nil, err
		}
		backend = s
	case config.ProfilesPostgres:
		pg, err := pgprofile.Open(ctx, pgprofile.Config{
			DSN:      b.cfg.Profiles.DSN,
			Table:    b.cfg.Profiles.Table,
			MaxConns: b.cfg.Profiles.MaxConns,
		})
		if err != nil {
			return nil, err
		}
		b.onClose(func() error { pg.Close(); return nil })
		backend = pg
	default:
		return nil, fmt.Errorf("unknown profiles backend %q", b.cfg.Profiles.Backend)
	}

	if !b.cfg.Profiles.Cache.Enabled {
		return backend, nil
	}
	client := tiercache.NewClient(b.cfg.Profiles.Cache.Config)
	b.onClose(client.Close)
	return tiercache.New(client, backend,
		tiercache.WithTTL(b.cfg.Profiles.Cache.TTL),
		tiercache.WithLogger(b.logger.Named("tiercache")),
	), nil
}

// receiver opens a stage's input queue.
func (b *backends) receiver(ctx context.Context, name, nameOrURL string) (queue.Receiver, error) {
	if nameOrURL == "" {
		return nil, fmt.Errorf("queues.%s is required", name)
	}
	if _, err := b.aws(ctx); err != nil {
		return nil, err
	}
	return sqs.Open(ctx, b.sqsClient, nameOrURL)
}

// publisher opens a publish target: an SNS topic ARN or an SQS queue.
func (b *backends) publisher(ctx context.Context, name, target string) (queue.Publisher, error) {
	if target == "" {
		return nil, fmt.Errorf("topics.%s is required", name)
	}
	if _, err := b.aws(ctx); err != nil {
		return nil, err
	}
	if config.IsSNSTarget(target) {
		return sns.New(b.snsClient, target), nil
	}
	return sqs.Open(ctx, b.sqsClient, target)
}

// optionalPublisher is publisher for targets that may be left unset.
func (b *backends) optionalPublisher(ctx context.Context, name, target string) (queue.Publisher, error) {
	if target == "" {
		return nil, nil
	}
	return b.publisher(ctx, name, target)
}

func pollerConfig(cfg *config.Config) lifecycle.PollerConfig {
	pc := lifecycle.DefaultPollerConfig()
	if cfg.Poll.BatchSize > 0 {
		pc.BatchSize = cfg.Poll.BatchSize
	}
	if cfg.Poll.WaitTime > 0 {
		pc.WaitTime = cfg.Poll.WaitTime
	}
	if cfg.Poll.EscalationDelay > 0 {
		pc.EscalationDelay = cfg.Poll.EscalationDelay
	}
	pc.RetryDelay = cfg.Poll.RetryDelay
	pc.ReceiveRate = cfg.Poll.ReceiveRate
	if cfg.Poll.MaxReceiveFailures > 0 {
		pc.MaxReceiveFailures = cfg.Poll.MaxReceiveFailures
	}
	if cfg.Poll.ReceiveBackoff > 0 {
		pc.ReceiveBackoff = cfg.Poll.ReceiveBackoff
	}
	return pc
}
