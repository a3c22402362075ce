package db

import (
	"errors"
	"strings"

	"github.com/smallbiznis/meterledger/pkg/errs"
	"gorm.io/gorm"
)

func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "duplicate key value violates unique constraint"): // postgres 23505
		return true
	case strings.Contains(msg, "Error 1062"): // mysql
		return true
	case strings.Contains(msg, "UNIQUE constraint failed"): // sqlite 2067
		return true
	}

	return false
}

// Translate classifies storage errors into the shared taxonomy.
func Translate(err error) error {
	switch {
	case err == nil:
		return nil
	case IsDuplicateKeyErr(err):
		return errs.Wrap(errs.KindAlreadyExists, "already_exists", err)
	case errors.Is(err, gorm.ErrRecordNotFound):
		return errs.Wrap(errs.KindNotFound, "not_found", err)
	}
	return err
}
