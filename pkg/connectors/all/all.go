// Package all registers every shipped connector. Import it for side effects:
//
//	import _ "github.com/revlake/revlake-engine/pkg/connectors/all"
package all

import (
	_ "github.com/revlake/revlake-engine/pkg/connectors/hubspot"
	_ "github.com/revlake/revlake-engine/pkg/connectors/ms365"
	_ "github.com/revlake/revlake-engine/pkg/connectors/odoo"
	_ "github.com/revlake/revlake-engine/pkg/connectors/salesforce"
)
