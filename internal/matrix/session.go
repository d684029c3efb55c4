// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package matrix

import (
	"context"
	"log/slog"

	"github.com/samber/oops"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

// deviceDisplayName is shown in other clients' device lists.
const deviceDisplayName = "trinity"

// Credentials identify the bot account.
type Credentials struct {
	Homeserver string
	UserID     string
	// Password logs in and creates or reuses a device.
	Password string
	// AccessToken restores an existing session; DeviceID or a stored
	// device id must accompany it.
	AccessToken string
	DeviceID    string
}

// Connect creates a logged-in client. The device id of the session is
// persisted in kv and reused by the next password login, so the account does
// not accumulate devices across restarts.
func Connect(ctx context.Context, creds Credentials, kv KV, logger *slog.Logger) (*mautrix.Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	client, err := mautrix.NewClient(creds.Homeserver, id.UserID(creds.UserID), "")
	if err != nil {
		return nil, oops.In("matrix").Code("CLIENT_INIT_FAILED").
			With("homeserver", creds.Homeserver).
			Wrap(err)
	}
	client.Store = NewSyncStore(kv)

	stored, _, err := kv.Get(ctx, DeviceIDKey)
	if err != nil {
		return nil, oops.In("matrix").Code("DEVICE_ID_READ_FAILED").Wrap(err)
	}

	var deviceID string
	switch {
	case creds.AccessToken != "":
		deviceID = creds.DeviceID
		if deviceID == "" {
			deviceID = stored
		}
		if deviceID == "" {
			return nil, oops.In("matrix").Code("DEVICE_ID_REQUIRED").
				Hint("set device_id alongside access_token, or log in with a password once").
				Errorf("access token login needs a device id")
		}
		client.AccessToken = creds.AccessToken
		client.DeviceID = id.DeviceID(deviceID)
	case creds.Password != "":
		if stored != "" {
			logger.Debug("reusing previous device id", "device_id", stored)
		}
		resp, err := client.Login(ctx, &mautrix.ReqLogin{
			Type: mautrix.AuthTypePassword,
			Identifier: mautrix.UserIdentifier{
				Type: mautrix.IdentifierTypeUser,
				User: creds.UserID,
			},
			Password:                 creds.Password,
			DeviceID:                 id.DeviceID(stored),
			InitialDeviceDisplayName: deviceDisplayName,
			StoreCredentials:         true,
		})
		if err != nil {
			return nil, oops.In("matrix").Code("LOGIN_FAILED").
				With("user_id", creds.UserID).
				Wrap(err)
		}
		deviceID = string(resp.DeviceID)
	default:
		return nil, oops.In("matrix").Code("NO_LOGIN_METHOD").
			Errorf("either a password or an access token is required")
	}

	if err := rememberDevice(ctx, kv, stored, deviceID, logger); err != nil {
		return nil, err
	}
	return client, nil
}

func rememberDevice(ctx context.Context, kv KV, previous, current string, logger *slog.Logger) error {
	if previous == current {
		return nil
	}
	if previous != "" {
		logger.Warn("overriding device id", "previous", previous, "device_id", current)
	} else {
		logger.Debug("storing device id for the first time", "device_id", current)
	}
	if err := kv.Set(ctx, DeviceIDKey, current); err != nil {
		return oops.In("matrix").Code("DEVICE_ID_WRITE_FAILED").Wrap(err)
	}
	return nil
}
