package pipeline

import (
	"fmt"
	"strings"

	"github.com/enmapper/caravan/internal/config"
	"github.com/enmapper/caravan/internal/envelope"
)

// SourceConnectionInfo renders the source database block used in worker
// prompts, including the resolved password. These prompts never leave the
// run; the scripts need real credentials to connect.
func SourceConnectionInfo(db config.DatabaseConfig) string {
	t := strings.ToLower(db.Type)
	return fmt.Sprintf(`=== SOURCE DATABASE (%s) ===
Type: %s
Host: %s
Port: %d
Database: %s
Schema: %s
User: %s
Password: %s`, strings.ToUpper(t), t, db.Host, db.Port, db.Database, db.Schema, db.User, db.Password())
}

// TargetConnectionInfo renders the Snowflake block for worker prompts.
func TargetConnectionInfo(db config.DatabaseConfig) string {
	warehouse := db.Warehouse
	if warehouse == "" {
		warehouse = "COMPUTE_WH"
	}
	return fmt.Sprintf(`=== TARGET DATABASE (Snowflake) ===
Account: %s
User: %s
Password: %s
Warehouse: %s
Database: %s
Schema: %s`, db.Account, db.User, db.Password(), warehouse, db.Database, strings.ToUpper(db.Schema))
}

// sourceHints adds driver guidance keyed by database type. Types without a
// known driver get no hint; the generated code picks its own.
func sourceHints(dbType string) string {
	switch strings.ToLower(dbType) {
	case "postgresql":
		return "\nUse psycopg2-binary. Tables are in the schema above, NOT 'public'."
	case "teradata":
		return `
=== TERADATA CONNECTION - CRITICAL ===
Use teradatasql package with ONLY these parameters (NO port, NO encryptdata, NO logmech):
` + "```" + `
import teradatasql
conn = teradatasql.connect(
    host='hostname.env.clearscape.teradata.com',
    user='username',
    password='password',
    connect_timeout=30
)
` + "```" + `
NEVER add port=1025 or any other extra parameters - it will cause 'Unable to parse JSON connection parameters' error!
Query tables with: SELECT * FROM username.tablename (use the user/schema name as database prefix)
`
	case "mysql":
		return "\nUse pymysql or mysql-connector-python."
	case "mongodb":
		return "\nUse pymongo. Handle ObjectId conversion to strings."
	case "sqlserver":
		return "\nUse pyodbc with appropriate SQL Server driver."
	case "oracle":
		return "\nUse cx_Oracle or oracledb package."
	default:
		return ""
	}
}

const installHelper = `=== PACKAGE INSTALLATION (DO THIS FIRST!) ===
You have FULL POWER to install ANY Python package you need. Start your code with:
` + "```" + `
import subprocess
import sys

def install_package(package):
    subprocess.check_call([sys.executable, '-m', 'pip', 'install', '-q', package])

install_package('snowflake-connector-python')  # Always needed for target
# Add source database package as needed!
` + "```"

func (w *Worker) workerSystemPrompt(unit Unit) string {
	return fmt.Sprintf(`You are a Worker Agent executing database migration tasks. Write complete, executable Python code for a persistent interpreter session.

TASK: %s

%s%s

%s

=== CRITICAL SNOWFLAKE RULES ===
1. ALWAYS use UPPERCASE identifiers WITHOUT quotes for Snowflake
   CORRECT: CREATE TABLE ECOMMERCE.CUSTOMERS ...
   WRONG: CREATE TABLE "ecommerce"."customers" ...

2. Schema and table names must be UPPERCASE: ECOMMERCE, CUSTOMERS, ORDERS, etc.

3. When connecting to Snowflake, set the schema explicitly.

=== SOURCE TABLES (in schema: %s) ===
%v

%s

=== CODE REQUIREMENTS ===
1. ALWAYS install packages first using the install_package function above
2. Handle all errors with try/except
3. Close all connections in finally block
4. Print result using EXACT format:
   print('%s')
   print(json.dumps({"success": True/False, "message": "...", "data": {...}}))
   print('%s')

Generate ONLY executable Python code. No markdown explanations outside code blocks.`,
		unit.Description,
		w.SourceInfo,
		sourceHints(w.SourceType),
		w.TargetInfo,
		w.SourceSchema,
		w.TableNames,
		installHelper,
		envelope.TaskMarkers.Start,
		envelope.TaskMarkers.End)
}
