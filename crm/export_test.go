package crm

var PickSurvivor = pickSurvivor
