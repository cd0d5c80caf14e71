/*
 *
 * cdpdriver - a Chrome DevTools protocol driver
 * Copyright (C) 2021 Load Impact
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package common

import "errors"

var (
	// ErrTimeout is returned when a bounded wait runs out of time.
	ErrTimeout = errors.New("timed out")

	// ErrBrowserClosed is returned by calls on a closed Browser.
	ErrBrowserClosed = errors.New("browser closed")

	// ErrTargetNotFound is returned when a target isn't listed by the
	// discovery endpoint.
	ErrTargetNotFound = errors.New("target not found")

	// ErrNavigation is returned when the browser refuses a navigation.
	ErrNavigation = errors.New("navigation failed")
)
