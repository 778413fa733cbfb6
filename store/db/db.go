package db

import (
	"github.com/pkg/errors"

	"github.com/hrygo/convrelay/internal/profile"
	"github.com/hrygo/convrelay/store"
	"github.com/hrygo/convrelay/store/db/boltdb"
	"github.com/hrygo/convrelay/store/db/jsonfile"
	"github.com/hrygo/convrelay/store/db/sqlite"
)

// NewDBDriver creates new db driver based on profile.
func NewDBDriver(profile *profile.Profile) (store.Driver, error) {
	var driver store.Driver
	var err error

	switch profile.Driver {
	case "", "file":
		driver, err = jsonfile.NewDB(profile)
	case "sqlite":
		driver, err = sqlite.NewDB(profile)
	case "bolt":
		driver, err = boltdb.NewDB(profile)
	default:
		return nil, errors.Errorf("unknown db driver: %s", profile.Driver)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to create db driver")
	}
	return driver, nil
}
