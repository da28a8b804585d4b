package registry

import (
	"context"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/armadaproject/jobsubmitter/internal/submitter/model"
)

const defaultSitesKey = "jobsubmitter_sites"

// RedisRegistry reads site records from a redis hash of site name -> msgpack encoded model.SiteRecord.
type RedisRegistry struct {
	db       redis.UniversalClient
	sitesKey string
}

func NewRedisRegistry(db redis.UniversalClient, sitesKey string) *RedisRegistry {
	if sitesKey == "" {
		sitesKey = defaultSitesKey
	}
	return &RedisRegistry{
		db:       db,
		sitesKey: sitesKey,
	}
}

// ListThresholdsForSubmit returns the sites ordered by name.
func (r *RedisRegistry) ListThresholdsForSubmit(_ context.Context) ([]*model.SiteRecord, error) {
	result, err := r.db.HGetAll(r.sitesKey).Result()
	if err != nil {
		return nil, errors.Wrap(err, "Error retrieving sites from redis")
	}
	names := maps.Keys(result)
	slices.Sort(names)
	sites := make([]*model.SiteRecord, 0, len(names))
	for _, name := range names {
		site := &model.SiteRecord{}
		if err := msgpack.Unmarshal([]byte(result[name]), site); err != nil {
			return nil, errors.Wrapf(err, "Error decoding site %s", name)
		}
		if site.Name == "" {
			site.Name = name
		}
		sites = append(sites, site)
	}
	return sites, nil
}

// StoreSite writes a site record, replacing any previous record for the same site.
func (r *RedisRegistry) StoreSite(_ context.Context, site *model.SiteRecord) error {
	data, err := msgpack.Marshal(site)
	if err != nil {
		return errors.Wrap(err, "Error encoding site")
	}

	pipe := r.db.TxPipeline()
	pipe.HSet(r.sitesKey, site.Name, data)
	_, err = pipe.Exec()
	if err != nil {
		return errors.Wrap(err, "Error storing site in redis")
	}
	return nil
}

// RemoveSite deletes a site record. Removing a site that does not exist is not an error.
func (r *RedisRegistry) RemoveSite(_ context.Context, name string) error {
	if err := r.db.HDel(r.sitesKey, name).Err(); err != nil {
		return errors.Wrap(err, "Error removing site from redis")
	}
	return nil
}
