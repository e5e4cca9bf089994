// Copyright (C) 2024 GnitzDB Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package row

import (
	"fmt"

	"github.com/gnitzdb/gnitz/gtype"
	"github.com/gnitzdb/gnitz/internal/gnitzerr"
	"github.com/gnitzdb/gnitz/schema"
)

// Concat builds a fresh row against outSchema by appending a's non-PK
// columns in order, followed by b's non-PK columns in order -- the
// payload-concatenation step of a DBSP join, where outSchema's non-PK
// columns are exactly a's non-PK columns followed by b's.
func Concat(a, b *PayloadRow, outSchema *schema.Schema) (*PayloadRow, error) {
	out := New(outSchema)
	if err := copyColumns(out, a); err != nil {
		return nil, fmt.Errorf("row.Concat: left: %w", err)
	}
	if err := copyColumns(out, b); err != nil {
		return nil, fmt.Errorf("row.Concat: right: %w", err)
	}
	return out, nil
}

func copyColumns(out, src *PayloadRow) error {
	for i, col := range src.Schema.Columns {
		if i == src.Schema.PKIndex {
			continue
		}
		if col.Nullable && src.IsNull(i) {
			if err := out.AppendNull(); err != nil {
				return err
			}
			continue
		}
		switch {
		case col.Type.IsInteger():
			if err := out.AppendInt(src.GetIntSigned(i)); err != nil {
				return err
			}
		case col.Type.IsFloat():
			if err := out.AppendFloat(src.GetFloat(i)); err != nil {
				return err
			}
		case col.Type == gtype.String:
			if err := out.AppendString(src.GetOwnStr(i)); err != nil {
				return err
			}
		case col.Type == gtype.U128:
			v := src.GetU128(i)
			if err := out.AppendU128(v.Lo, v.Hi); err != nil {
				return err
			}
		default:
			return &gnitzerr.LayoutError{Msg: fmt.Sprintf("row.Concat: unsupported column type %s", col.Type)}
		}
	}
	return nil
}
