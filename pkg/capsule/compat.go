package capsule

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// IsPackageVersionCompatible reports whether pkg's PackageVersion
// satisfies a semver constraint (e.g. ">=1.0.0, <2.0.0"), letting a
// consumer pin the audit package schema version it was built against
// without hardcoding an exact string match (spec §6 "Audit package
// schema versioning").
func IsPackageVersionCompatible(pkg *AuditPackage, constraint string) (bool, error) {
	v, err := semver.NewVersion(pkg.PackageVersion)
	if err != nil {
		return false, fmt.Errorf("capsule: parse package version %q: %w", pkg.PackageVersion, err)
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return false, fmt.Errorf("capsule: parse version constraint %q: %w", constraint, err)
	}
	return c.Check(v), nil
}
