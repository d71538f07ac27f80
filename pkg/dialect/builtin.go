package dialect

import "github.com/leapstack-labs/leaplineage/pkg/core"

// builtinDialects are registered automatically when the package is loaded.
var builtinDialects = []*Dialect{
	NewDialect("postgres").
		Aliases("postgresql", "pg").
		DefaultSchema("public").
		PlaceholderStyle(core.PlaceholderDollar).
		Build(),

	NewDialect("redshift").
		DefaultSchema("public").
		PlaceholderStyle(core.PlaceholderDollar).
		LowercaseURNs().
		Rewrite(rewriteHashTemp).
		Build(),

	NewDialect("snowflake").
		Identifiers(`"`, `"`, `""`, core.NormUppercase).
		DefaultSchema("public").
		LowercaseURNs().
		CaseAmbiguous().
		Rewrite(rewriteTransient, rewriteOrReplaceTable, rewriteInsertOverwriteBare).
		Build(),

	NewDialect("bigquery").
		Aliases("bq").
		Identifiers("`", "`", "\\`", core.NormCaseSensitive).
		Rewrite(rewriteBackticksDotted, rewriteOrReplaceTable).
		Build(),

	NewDialect("duckdb").
		Identifiers(`"`, `"`, `""`, core.NormCaseInsensitive).
		DefaultSchema("main").
		PlaceholderStyle(core.PlaceholderQuestion).
		CaseAmbiguous().
		Rewrite(rewriteOrReplaceTable).
		Build(),

	NewDialect("mysql").
		Aliases("mariadb").
		Identifiers("`", "`", "``", core.NormCaseSensitive).
		PlaceholderStyle(core.PlaceholderQuestion).
		CaseAmbiguous().
		Rewrite(rewriteBackticks, rewriteReplaceInto).
		Build(),

	NewDialect("mssql").
		Aliases("tsql", "sqlserver").
		Identifiers("[", "]", "]]", core.NormCaseInsensitive).
		DefaultSchema("dbo").
		CaseAmbiguous().
		Rewrite(rewriteBrackets, rewriteTop, rewriteHashTemp).
		Build(),

	NewDialect("databricks").
		Aliases("hive", "spark").
		Identifiers("`", "`", "``", core.NormCaseInsensitive).
		DefaultSchema("default").
		LowercaseURNs().
		CaseAmbiguous().
		Rewrite(rewriteBackticks, rewriteInsertOverwrite, rewriteInsertOverwriteBare, rewritePartitionSpec, rewriteOrReplaceTable).
		Build(),

	NewDialect("trino").
		Aliases("presto", "athena", "starburst").
		LowercaseURNs().
		Build(),

	NewDialect("oracle").
		Identifiers(`"`, `"`, `""`, core.NormUppercase).
		LowercaseURNs().
		CaseAmbiguous().
		Build(),
}

func init() {
	for _, d := range builtinDialects {
		Register(d)
	}
}
