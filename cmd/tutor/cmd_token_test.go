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
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianTutor/pkg/extensions"
	"github.com/AleutianAI/AleutianTutor/services/tutor"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestMintToken_ValidatesWithServiceProvider(t *testing.T) {
	auth := tutor.AuthConfig{Secret: testSecret}
	var out bytes.Buffer

	err := mintToken(&out, auth, extensions.AuthInfo{
		UserID:    "anna",
		UserType:  extensions.UserTypeRegular,
		FirstName: "Anna",
	}, time.Hour)
	if err != nil {
		t.Fatalf("mintToken() failed: %v", err)
	}

	provider, err := extensions.NewJWTAuthProvider(testSecret, "")
	if err != nil {
		t.Fatal(err)
	}
	info, err := provider.Validate(context.Background(), strings.TrimSpace(out.String()))
	if err != nil {
		t.Fatalf("minted token rejected: %v", err)
	}
	if info.UserID != "anna" || info.FirstName != "Anna" || info.UserType != extensions.UserTypeRegular {
		t.Errorf("claims = %+v", info)
	}
}

func TestMintToken_Errors(t *testing.T) {
	good := extensions.AuthInfo{UserID: "anna", UserType: extensions.UserTypeGuest}
	tests := []struct {
		name string
		auth tutor.AuthConfig
		info extensions.AuthInfo
		ttl  time.Duration
		want string
	}{
		{"no secret", tutor.AuthConfig{}, good, time.Hour, "JWT_SECRET"},
		{"short secret", tutor.AuthConfig{Secret: "short"}, good, time.Hour, "at least"},
		{"bad type", tutor.AuthConfig{Secret: testSecret}, extensions.AuthInfo{UserID: "anna", UserType: "admin"}, time.Hour, "--type"},
		{"zero ttl", tutor.AuthConfig{Secret: testSecret}, good, 0, "--ttl"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			err := mintToken(&out, tt.auth, tt.info, tt.ttl)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("mintToken() error = %v, want containing %q", err, tt.want)
			}
			if out.Len() != 0 {
				t.Errorf("wrote %q on error", out.String())
			}
		})
	}
}

func TestMintToken_IssuerMustMatch(t *testing.T) {
	var out bytes.Buffer
	auth := tutor.AuthConfig{Secret: testSecret, Issuer: "other-issuer"}
	if err := mintToken(&out, auth, extensions.AuthInfo{UserID: "anna", UserType: extensions.UserTypeGuest}, time.Hour); err != nil {
		t.Fatal(err)
	}
	provider, err := extensions.NewJWTAuthProvider(testSecret, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := provider.Validate(context.Background(), strings.TrimSpace(out.String())); err == nil {
		t.Error("token from another issuer was accepted")
	}
}

func TestRootCommand_Subcommands(t *testing.T) {
	want := map[string]bool{"serve": false, "chat": false, "token": false}
	for _, c := range rootCmd.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("subcommand %q not registered", name)
		}
	}
	if f := tokenCmd.Flags().Lookup("user"); f == nil {
		t.Error("token --user flag missing")
	}
	if f := chatCmd.Flags().Lookup("chat"); f == nil {
		t.Error("chat --chat flag missing")
	}
}
