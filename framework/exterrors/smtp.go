/*
Postconfirm - Challenge/response mail confirmation daemon.
Copyright © 2023-2024 The postconfirm developers

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package exterrors

import (
	"fmt"
)

// EnhancedCode is a RFC 2034 enhanced status code, in the x.y.z form.
type EnhancedCode [3]int

func (ec EnhancedCode) String() string {
	return fmt.Sprintf("%d.%d.%d", ec[0], ec[1], ec[2])
}

// SMTPError reports the result of a failed SMTP interaction, keeping the
// status codes the remote server replied with.
//
// It is used by the relayer to describe submission failures in a form that
// is useful both for logging (Fields) and for retry decisions (Temporary).
type SMTPError struct {
	// Code is the basic SMTP status code.
	Code int

	// EnhancedCode is the enhanced status code, all zeroes if the
	// server did not send one.
	EnhancedCode EnhancedCode

	// Message is the status text sent by the server.
	Message string

	// Misc contains values that describe the context in which
	// the error occurred.
	Misc map[string]interface{}

	// Err is the underlying error object, if any.
	Err error
}

func (se *SMTPError) Unwrap() error {
	return se.Err
}

func (se *SMTPError) Temporary() bool {
	return se.Code/100 == 4
}

func (se *SMTPError) Fields() map[string]interface{} {
	fields := make(map[string]interface{}, len(se.Misc)+3)
	for k, v := range se.Misc {
		fields[k] = v
	}
	fields["smtp_code"] = se.Code
	fields["smtp_enchcode"] = se.EnhancedCode
	fields["smtp_msg"] = se.Message
	return fields
}

func (se *SMTPError) Error() string {
	if se.Message != "" {
		return fmt.Sprintf("%d %s", se.Code, se.Message)
	}
	if se.Err != nil {
		return se.Err.Error()
	}
	return fmt.Sprintf("SMTP code %d", se.Code)
}
