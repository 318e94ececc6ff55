package datasource

import (
	"context"
	"errors"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"

	"github.com/ekaya-inc/purview-connector/pkg/apperrors"
)

// sqlServerLoginErrors are SQL Server error numbers raised for rejected logins.
var sqlServerLoginErrors = map[int32]bool{
	18456: true, // login failed
	18452: true, // login from an untrusted domain
	18486: true, // account locked out
	18487: true, // password expired
	18488: true, // password must be changed
	4060:  true, // cannot open the database requested by the login
}

// authFailurePatterns are driver messages for rejected credentials, for errors
// that reach us without their driver type (wrapped as text by a pool or a proxy).
var authFailurePatterns = []string{
	"login failed for user",          // SQL Server 18456
	"password authentication failed", // PostgreSQL 28P01
	"sqlstate 28p01",
	"sqlstate 28000",
	"aadsts", // Azure AD token errors
}

// sqlServerError is implemented by go-mssqldb's Error.
type sqlServerError interface {
	SQLErrorNumber() int32
}

// sqlStateError is implemented by pgconn.PgError.
type sqlStateError interface {
	SQLState() string
}

// ClassifyError maps an error reaching a source into the connector taxonomy:
// rejected credentials become AuthenticationFailed, everything else
// SourceUnreachable. Errors already classified are returned unchanged.
func ClassifyError(where string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		return err
	}
	if isContextError(err) {
		return apperrors.SourceUnreachable(where, err)
	}
	if IsAuthFailure(err) {
		return apperrors.AuthenticationFailed(where, err)
	}
	return apperrors.SourceUnreachable(where, err)
}

// IsAuthFailure reports whether err is a rejected credential: a SQL Server
// login error, a PostgreSQL SQLSTATE class 28 error or an Azure AD token
// failure. Access denied on a file or an object is not a credential failure.
func IsAuthFailure(err error) bool {
	var msErr sqlServerError
	if errors.As(err, &msErr) {
		return sqlServerLoginErrors[msErr.SQLErrorNumber()]
	}
	var pgErr sqlStateError
	if errors.As(err, &pgErr) {
		return strings.HasPrefix(pgErr.SQLState(), "28")
	}
	var aadErr *azidentity.AuthenticationFailedError
	if errors.As(err, &aadErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range authFailurePatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
