// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianTutor/cmd/tutor/config"
	"github.com/AleutianAI/AleutianTutor/pkg/extensions"
	"github.com/AleutianAI/AleutianTutor/services/tutor"
)

func runToken(cmd *cobra.Command, _ []string) error {
	return mintToken(cmd.OutOrStdout(), config.Global.Server.Auth, extensions.AuthInfo{
		UserID:    tokenUser,
		Email:     tokenEmail,
		UserType:  tokenType,
		FirstName: tokenFirstName,
	}, tokenTTL)
}

// mintToken writes a signed token for info to w.
func mintToken(w io.Writer, auth tutor.AuthConfig, info extensions.AuthInfo, ttl time.Duration) error {
	if auth.Secret == "" {
		return errors.New("JWT_SECRET is not set; the service would not accept the token")
	}
	if info.UserType != extensions.UserTypeGuest && info.UserType != extensions.UserTypeRegular {
		return fmt.Errorf("--type must be %q or %q", extensions.UserTypeGuest, extensions.UserTypeRegular)
	}
	if ttl <= 0 {
		return errors.New("--ttl must be positive")
	}

	provider, err := extensions.NewJWTAuthProvider(auth.Secret, auth.Issuer)
	if err != nil {
		return err
	}
	token, err := provider.Sign(info, ttl)
	if err != nil {
		return fmt.Errorf("sign token: %w", err)
	}
	_, err = fmt.Fprintln(w, token)
	return err
}
