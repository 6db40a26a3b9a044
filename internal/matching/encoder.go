package matching

import "strings"

// Vector layout. Location dimensions are appended only when the encoder
// includes location.
const (
	dimAge = iota
	dimHeight
	dimFame
	dimAlcohol
	dimSmoking
	dimCannabis
	dimDrugs
	dimPets
	dimSocialActivity
	dimSportActivity
	dimEducation
	dimReligion
	dimPoliticalView
	dimHairColor
	dimSkinColor
	dimEyeColor
	dimRelationshipType
	dimChildrenStatus

	baseDimensions
)

const (
	dimLatitude = baseDimensions + iota
	dimLongitude

	locationDimensions = 2
)

const (
	minAge    = 18
	maxAge    = 80
	minHeight = 140
	maxHeight = 220
	maxFame   = 100

	heightWeight = 0.1
	fameWeight   = 0.05
)

var (
	habitDims        = []int{dimAlcohol, dimSmoking, dimCannabis, dimDrugs}
	interestDims     = []int{dimPets, dimSocialActivity, dimSportActivity, dimEducation, dimReligion, dimPoliticalView, dimHairColor, dimSkinColor, dimEyeColor}
	relationshipDims = []int{dimRelationshipType, dimChildrenStatus}
)

// enumeration maps raw tokens to ordinal values; encoded = value / scale.
type enumeration struct {
	values map[string]float64
	scale  float64
}

func (e enumeration) encode(token *string) float64 {
	if token == nil {
		return 0
	}
	v, ok := e.values[strings.ToLower(strings.TrimSpace(*token))]
	if !ok {
		return 0
	}
	return v / e.scale
}

var (
	yesSometimesNo = enumeration{values: map[string]float64{"yes": 1, "sometimes": 0.5, "no": 0}, scale: 1}
	yesNo          = enumeration{values: map[string]float64{"yes": 1, "no": 0}, scale: 1}
	activityLevel  = enumeration{values: map[string]float64{"low": 1, "medium": 2, "high": 3}, scale: 3}
	educationLevel = enumeration{values: map[string]float64{
		"none": 0, "primary": 1, "secondary": 2, "high_school": 2.5,
		"university": 3, "bachelor": 3.5, "master": 4, "phd": 4.5,
	}, scale: 4.5}
	religion = enumeration{values: map[string]float64{
		"none": 0, "christian": 1, "muslim": 2, "jewish": 3, "hindu": 4, "buddhist": 5, "other": 6,
	}, scale: 6}
	politicalView = enumeration{values: map[string]float64{
		"far_left": -2, "left": -1, "center_left": -0.5, "center": 0,
		"center_right": 0.5, "right": 1, "far_right": 2,
	}, scale: 2}
	hairColor = enumeration{values: map[string]float64{
		"other": 0, "blonde": 1, "brown": 2, "black": 3, "red": 4, "grey": 5, "white": 6,
	}, scale: 6}
	skinColor = enumeration{values: map[string]float64{
		"very_light": 1, "light": 2, "medium": 3, "dark": 4, "very_dark": 5,
	}, scale: 5}
	eyeColor = enumeration{values: map[string]float64{
		"blue": 1, "green": 2, "brown": 3, "black": 4, "grey": 5, "hazel": 6,
	}, scale: 6}
	relationshipType = enumeration{values: map[string]float64{
		"single": 0, "complicated": 1, "open": 2, "married": 3,
	}, scale: 3}
	childrenStatus = enumeration{values: map[string]float64{
		"none": 0, "wants_children": 1, "has_children": 2, "doesnt_want": 3,
	}, scale: 3}
)

// Encoder turns profiles into fixed-length feature vectors.
type Encoder struct {
	includeLocation bool
}

func NewEncoder(includeLocation bool) *Encoder {
	return &Encoder{includeLocation: includeLocation}
}

func (e *Encoder) IncludesLocation() bool {
	return e.includeLocation
}

// Dimensions is the length of every vector this encoder produces.
func (e *Encoder) Dimensions() int {
	if e.includeLocation {
		return baseDimensions + locationDimensions
	}
	return baseDimensions
}

// Encode is a pure function of p. Unknown or missing attributes encode to 0.
func (e *Encoder) Encode(p *UserProfile) Vector {
	v := make(Vector, e.Dimensions())

	if p.Age != nil {
		v[dimAge] = scaleRange(float64(*p.Age), minAge, maxAge)
	}
	if p.Height != nil {
		v[dimHeight] = scaleRange(float64(*p.Height), minHeight, maxHeight)
	}
	v[dimFame] = scaleRange(float64(p.Fame), 0, maxFame)

	v[dimAlcohol] = yesSometimesNo.encode(p.AlcoholConsumption)
	v[dimSmoking] = yesSometimesNo.encode(p.Smoking)
	v[dimCannabis] = yesSometimesNo.encode(p.Cannabis)
	v[dimDrugs] = yesNo.encode(p.Drugs)
	v[dimPets] = yesNo.encode(p.Pets)
	v[dimSocialActivity] = activityLevel.encode(p.SocialActivityLevel)
	v[dimSportActivity] = activityLevel.encode(p.SportActivity)
	v[dimEducation] = educationLevel.encode(p.EducationLevel)
	v[dimReligion] = religion.encode(p.Religion)
	v[dimPoliticalView] = politicalView.encode(p.PoliticalView)
	v[dimHairColor] = hairColor.encode(p.HairColor)
	v[dimSkinColor] = skinColor.encode(p.SkinColor)
	v[dimEyeColor] = eyeColor.encode(p.EyeColor)
	v[dimRelationshipType] = relationshipType.encode(p.RelationshipType)
	v[dimChildrenStatus] = childrenStatus.encode(p.ChildrenStatus)

	if e.includeLocation && p.HasLocation() {
		v[dimLatitude] = scaleRange(*p.Latitude, -90, 90)
		v[dimLongitude] = scaleRange(*p.Longitude, -180, 180)
	}
	return v
}

// DimensionWeights spreads the five named weights over the vector layout.
// Height and fame carry small fixed weights; each group weight is split
// evenly across its dimensions and distance applies to both coordinates.
func (e *Encoder) DimensionWeights(w AttributeWeights) Vector {
	out := make(Vector, e.Dimensions())
	out[dimAge] = w.Age
	out[dimHeight] = heightWeight
	out[dimFame] = fameWeight
	spread(out, habitDims, w.Habits)
	spread(out, interestDims, w.Interests)
	spread(out, relationshipDims, w.Relationship)
	if e.includeLocation {
		out[dimLatitude] = w.Distance
		out[dimLongitude] = w.Distance
	}
	return out
}

func spread(out Vector, dims []int, total float64) {
	share := total / float64(len(dims))
	for _, d := range dims {
		out[d] = share
	}
}

func scaleRange(x, lo, hi float64) float64 {
	return clamp((x-lo)/(hi-lo), 0, 1)
}
