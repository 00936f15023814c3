// Copyright 2025 The gupshup Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
)

type contextKey string

const (
	deviceIDKey contextKey = "device_id"
	dbIDKey     contextKey = "db_id"
)

// SetDeviceID sets the authenticated device id in the context.
func SetDeviceID(ctx context.Context, deviceID string) context.Context {
	return context.WithValue(ctx, deviceIDKey, deviceID)
}

// GetDeviceID retrieves the authenticated device id from the context.
func GetDeviceID(ctx context.Context) (string, bool) {
	deviceID, ok := ctx.Value(deviceIDKey).(string)
	return deviceID, ok
}

// SetDBID sets the logical database id in the context.
func SetDBID(ctx context.Context, dbID string) context.Context {
	return context.WithValue(ctx, dbIDKey, dbID)
}

// GetDBID retrieves the logical database id from the context.
func GetDBID(ctx context.Context) (string, bool) {
	dbID, ok := ctx.Value(dbIDKey).(string)
	return dbID, ok
}

// SetAuthContext sets both the database and device id in the context.
func SetAuthContext(ctx context.Context, dbID, deviceID string) context.Context {
	ctx = SetDBID(ctx, dbID)
	ctx = SetDeviceID(ctx, deviceID)
	return ctx
}
