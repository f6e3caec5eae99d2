// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package relay

import (
	"time"

	"github.com/AleutianAI/AleutianTutor/pkg/extensions"
)

// EntitlementWindow is the rolling window message limits apply to.
const EntitlementWindow = 24 * time.Hour

// Entitlement is the allowance of one account tier.
type Entitlement struct {
	MaxMessagesPerDay int `yaml:"max_messages_per_day"`
}

// Entitlements maps user types to their allowance.
type Entitlements map[string]Entitlement

// DefaultEntitlements returns the stock tiers.
func DefaultEntitlements() Entitlements {
	return Entitlements{
		extensions.UserTypeGuest:   {MaxMessagesPerDay: 20},
		extensions.UserTypeRegular: {MaxMessagesPerDay: 100},
	}
}

// For returns the allowance for userType. Unknown types get the guest
// allowance, or zero when no guest tier is configured.
func (e Entitlements) For(userType string) Entitlement {
	if ent, ok := e[userType]; ok {
		return ent
	}
	return e[extensions.UserTypeGuest]
}
